package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/schema"
	"github.com/petrijr/stepflow/pkg/api"
)

func gatedDef(interaction *api.InteractionConfig) api.FlowDefinition {
	def := twoStepDef()
	step := def.Steps["plan"]
	step.Interaction = interaction
	def.Steps["plan"] = step
	return def
}

func pendingRequest(t *testing.T, eng *Engine, sessionID string) *api.FlowInteractionRequest {
	t.Helper()
	reqs, err := eng.p.Interactions.PendingForSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("pending requests: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(reqs))
	}
	return reqs[0]
}

func TestApprovalGate_ParksThenProceedsOnApprove(t *testing.T) {
	ctx := context.Background()
	inv := &scriptedInvoker{}
	eng, _, _ := newTestEngine(t, inv)

	sess := mustStart(t, eng, gatedDef(&api.InteractionConfig{
		Type:             api.InteractionApproval,
		SuggestedActions: []string{"approve", "reject"},
		Timeout:          time.Hour,
	}), api.StartOptions{})

	// The claim parks the step; no invocation happens yet.
	job, err := eng.ProcessNextJob(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("process: %v %v", job, err)
	}
	if len(inv.requests) != 0 {
		t.Fatalf("invocation ran before approval")
	}

	got, _ := eng.GetSession(ctx, sess.ID)
	if got.Status != api.SessionWaitingApproval {
		t.Fatalf("expected WAITING_STEP_APPROVAL, got %s", got.Status)
	}

	req := pendingRequest(t, eng, sess.ID)
	if req.Type != api.InteractionApproval || req.StepID != "plan" {
		t.Fatalf("unexpected request: %+v", req)
	}

	if err := eng.Respond(ctx, sess.ID, req.ID, "reviewer-1", nil, api.SourceUser, api.RequestApproved); err != nil {
		t.Fatalf("respond: %v", err)
	}
	drain(t, eng)

	got, _ = eng.GetSession(ctx, sess.ID)
	if got.Status != api.SessionCompleted {
		t.Fatalf("expected COMPLETED after approval, got %s", got.Status)
	}

	first := inv.requests[0]
	interaction, _ := first.Context["interaction"].(map[string]any)
	if interaction == nil || interaction["status"] != string(api.RequestApproved) {
		t.Fatalf("approval outcome not in context: %+v", first.Context)
	}

	var sawRequired, sawResponded bool
	for _, tp := range eventTypes(t, eng, sess.ID) {
		if tp == api.EventInteractionRequired {
			sawRequired = true
		}
		if tp == api.EventInteractionResponded {
			sawResponded = true
		}
	}
	if !sawRequired || !sawResponded {
		t.Fatalf("interaction events missing")
	}
}

func TestApprovalGate_DoubleRespondIsTerminal(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, &scriptedInvoker{})

	sess := mustStart(t, eng, gatedDef(&api.InteractionConfig{Type: api.InteractionApproval}), api.StartOptions{})
	drainUntilWaiting(t, eng, sess.ID)

	req := pendingRequest(t, eng, sess.ID)
	if err := eng.Respond(ctx, sess.ID, req.ID, "r1", nil, api.SourceUser, api.RequestApproved); err != nil {
		t.Fatalf("respond: %v", err)
	}
	err := eng.Respond(ctx, sess.ID, req.ID, "r2", nil, api.SourceUser, api.RequestRejected)
	if !errors.Is(err, api.ErrRequestTerminal) {
		t.Fatalf("expected ErrRequestTerminal, got %v", err)
	}
}

func TestApprovalGate_RejectionFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	inv := &scriptedInvoker{}
	eng, _, _ := newTestEngine(t, inv)

	def := gatedDef(&api.InteractionConfig{Type: api.InteractionApproval})
	step := def.Steps["plan"]
	step.Retry = &api.RetryPolicy{MaxAttempts: 5}
	def.Steps["plan"] = step

	sess := mustStart(t, eng, def, api.StartOptions{})
	drainUntilWaiting(t, eng, sess.ID)

	req := pendingRequest(t, eng, sess.ID)
	if err := eng.Respond(ctx, sess.ID, req.ID, "r1", nil, api.SourceUser, api.RequestRejected); err != nil {
		t.Fatalf("respond: %v", err)
	}
	drain(t, eng)

	got, _ := eng.GetSession(ctx, sess.ID)
	if got.Status != api.SessionFailed || got.ErrorCode != errCodeRejected {
		t.Fatalf("expected FAILED/%s, got %s/%s", errCodeRejected, got.Status, got.ErrorCode)
	}
	if len(inv.requests) != 0 {
		t.Fatalf("rejected step was invoked")
	}
	for _, tp := range eventTypes(t, eng, sess.ID) {
		if tp == api.EventRetryScheduled {
			t.Fatalf("rejection must not schedule retries")
		}
	}
}

func TestInputGate_SchemaValidation(t *testing.T) {
	ctx := context.Background()
	inv := &scriptedInvoker{}
	eng, _, _ := newTestEngine(t, inv)

	sess := mustStart(t, eng, gatedDef(&api.InteractionConfig{
		Type: api.InteractionInput,
		PayloadSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"budget": map[string]any{"type": "integer"},
			},
			"required": []string{"budget"},
		},
	}), api.StartOptions{})
	drainUntilWaiting(t, eng, sess.ID)

	req := pendingRequest(t, eng, sess.ID)

	// Approval results are invalid for an input gate.
	if err := eng.Respond(ctx, sess.ID, req.ID, "u1", map[string]any{"budget": float64(500)}, api.SourceUser, api.RequestApproved); err == nil {
		t.Fatalf("expected result/type mismatch error")
	}

	// A payload violating the schema leaves the request pending.
	err := eng.Respond(ctx, sess.ID, req.ID, "u1", map[string]any{"comment": "no budget"}, api.SourceUser, api.RequestAnswered)
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if got, _ := eng.p.Interactions.GetRequest(ctx, req.ID); got.Status != api.RequestPending {
		t.Fatalf("invalid respond mutated request: %s", got.Status)
	}

	if err := eng.Respond(ctx, sess.ID, req.ID, "u1", map[string]any{"budget": float64(500)}, api.SourceUser, api.RequestAnswered); err != nil {
		t.Fatalf("respond: %v", err)
	}
	drain(t, eng)

	first := inv.requests[0]
	interaction, _ := first.Context["interaction"].(map[string]any)
	payload, _ := interaction["payload"].(map[string]any)
	if payload == nil || payload["budget"] != float64(500) {
		t.Fatalf("answer payload not in context: %+v", first.Context)
	}
}

func TestGate_TimeoutExpiresAndResumes(t *testing.T) {
	ctx := context.Background()
	inv := &scriptedInvoker{}
	eng, clock, _ := newTestEngine(t, inv)

	sess := mustStart(t, eng, gatedDef(&api.InteractionConfig{
		Type:    api.InteractionApproval,
		Timeout: time.Hour,
	}), api.StartOptions{})
	drainUntilWaiting(t, eng, sess.ID)

	if n, err := eng.ExpireOverdueRequests(ctx, clock.Now()); err != nil || n != 0 {
		t.Fatalf("premature expiry: %d %v", n, err)
	}

	clock.Advance(2 * time.Hour)
	n, err := eng.ExpireOverdueRequests(ctx, clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got %d %v", n, err)
	}
	drain(t, eng)

	got, _ := eng.GetSession(ctx, sess.ID)
	if got.Status != api.SessionCompleted {
		t.Fatalf("expected COMPLETED after expiry resume, got %s", got.Status)
	}

	first := inv.requests[0]
	interaction, _ := first.Context["interaction"].(map[string]any)
	if interaction == nil || interaction["expired"] != true {
		t.Fatalf("expiry outcome not in context: %+v", first.Context)
	}

	var sawExpired bool
	for _, tp := range eventTypes(t, eng, sess.ID) {
		if tp == api.EventInteractionExpired {
			sawExpired = true
		}
	}
	if !sawExpired {
		t.Fatalf("HUMAN_INTERACTION_EXPIRED event missing")
	}
}

func TestPauseWhileWaiting_ResumeRestoresGate(t *testing.T) {
	ctx := context.Background()
	inv := &scriptedInvoker{}
	eng, _, _ := newTestEngine(t, inv)

	sess := mustStart(t, eng, gatedDef(&api.InteractionConfig{Type: api.InteractionApproval}), api.StartOptions{})
	drainUntilWaiting(t, eng, sess.ID)

	if err := eng.Pause(ctx, sess.ID, "ops"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := eng.Resume(ctx, sess.ID, "ops"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// Parked steps have no job in the queue, so resuming to RUNNING would
	// strand the session; the waiting status must come back instead.
	got, _ := eng.GetSession(ctx, sess.ID)
	if got.Status != api.SessionWaitingApproval {
		t.Fatalf("expected WAITING_STEP_APPROVAL after resume, got %s", got.Status)
	}
	if job, err := eng.ProcessNextJob(ctx, "w1"); err != nil || job != nil {
		t.Fatalf("parked session produced work: %v %v", job, err)
	}

	// The still-pending request resumes the step as usual.
	req := pendingRequest(t, eng, sess.ID)
	if err := eng.Respond(ctx, sess.ID, req.ID, "r1", nil, api.SourceUser, api.RequestApproved); err != nil {
		t.Fatalf("respond: %v", err)
	}
	drain(t, eng)

	got, _ = eng.GetSession(ctx, sess.ID)
	if got.Status != api.SessionCompleted {
		t.Fatalf("expected COMPLETED after approval, got %s", got.Status)
	}
	if len(inv.requests) != 2 {
		t.Fatalf("expected both steps invoked after resume, got %d", len(inv.requests))
	}
}

func TestCancel_AutoResolvesPendingRequests(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, &scriptedInvoker{})

	sess := mustStart(t, eng, gatedDef(&api.InteractionConfig{Type: api.InteractionApproval}), api.StartOptions{})
	drainUntilWaiting(t, eng, sess.ID)

	req := pendingRequest(t, eng, sess.ID)
	if err := eng.Cancel(ctx, sess.ID, "user-7"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := eng.p.Interactions.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != api.RequestAutoResolved {
		t.Fatalf("expected AUTO_RESOLVED, got %s", got.Status)
	}

	if err := eng.Respond(ctx, sess.ID, req.ID, "r1", nil, api.SourceUser, api.RequestApproved); !errors.Is(err, api.ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal, got %v", err)
	}

	// Auto-resolution must not resume anything.
	if job, err := eng.ProcessNextJob(ctx, "w1"); err != nil {
		t.Fatalf("process: %v", err)
	} else if job != nil && job.Status != api.JobCompleted {
		t.Fatalf("cancelled session produced runnable work: %+v", job)
	}
}

// drainUntilWaiting processes jobs until the session parks on an interaction.
func drainUntilWaiting(t *testing.T, eng *Engine, sessionID string) {
	t.Helper()
	for i := 0; i < 10; i++ {
		sess, err := eng.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == api.SessionWaitingApproval || sess.Status == api.SessionWaitingInput {
			return
		}
		if _, err := eng.ProcessNextJob(context.Background(), "w1"); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	t.Fatalf("session never parked for interaction")
}
