package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/schema"
	"github.com/petrijr/stepflow/pkg/api"
)

// DefaultInteractionTimeout is used when a gated step does not configure
// its own timeout.
const DefaultInteractionTimeout = 24 * time.Hour

// applyGate enforces a step's interaction gate before its invocation runs.
// It returns true when the gate is resolved and the invocation may proceed.
// When it returns false the job has already been settled: either the step is
// parked waiting for a response, or a rejection failed it.
func (e *Engine) applyGate(ctx context.Context, sess *api.FlowSession, exec *api.FlowStepExecution, job *api.FlowJob, step api.StepConfig) (bool, error) {
	latest, err := e.p.Interactions.LatestForExecution(ctx, exec.ID)
	if err != nil {
		return false, fmt.Errorf("load interaction request: %w", err)
	}

	switch {
	case latest == nil:
		return false, e.parkForInteraction(ctx, sess, exec, job, step, true)
	case latest.Status == api.RequestPending:
		// A request already exists (e.g. the session was paused and resumed
		// while waiting); park again without creating a duplicate.
		return false, e.parkForInteraction(ctx, sess, exec, job, step, false)
	case latest.Status == api.RequestRejected:
		return false, e.failStep(ctx, sess, exec, job, step, api.ErrInteractionRejected, false)
	default:
		// APPROVED, ANSWERED, EXPIRED or AUTO_RESOLVED: the response data
		// was merged into the execution input when the request settled.
		return true, nil
	}
}

// parkForInteraction moves the step and session into the waiting state and,
// when create is set, opens the interaction request.
func (e *Engine) parkForInteraction(ctx context.Context, sess *api.FlowSession, exec *api.FlowStepExecution, job *api.FlowJob, step api.StepConfig, create bool) error {
	now := e.now()

	stepStatus := api.StepWaitingApproval
	sessStatus := api.SessionWaitingApproval
	if step.Interaction.Type == api.InteractionInput {
		stepStatus = api.StepWaitingInput
		sessStatus = api.SessionWaitingInput
	}

	var requestID string
	if create {
		timeout := step.Interaction.Timeout
		if timeout <= 0 {
			timeout = DefaultInteractionTimeout
		}
		req := &api.FlowInteractionRequest{
			ID:               uuid.NewString(),
			SessionID:        sess.ID,
			StepExecutionID:  exec.ID,
			StepID:           exec.StepID,
			Type:             step.Interaction.Type,
			PayloadSchema:    step.Interaction.PayloadSchema,
			SuggestedActions: step.Interaction.SuggestedActions,
			AgentVersion:     step.AgentRef,
			DueAt:            now.Add(timeout),
			Status:           api.RequestPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.p.Interactions.SaveRequest(ctx, req); err != nil {
			return fmt.Errorf("save interaction request: %w", err)
		}
		requestID = req.ID

		e.appendEvent(ctx, &api.FlowEvent{
			SessionID: sess.ID,
			Type:      api.EventInteractionRequired,
			Status:    string(sessStatus),
			StepID:    exec.StepID,
			Payload: map[string]any{
				"request_id": req.ID,
				"type":       string(req.Type),
				"due_at":     req.DueAt.Format(time.RFC3339),
			},
			At: now,
		})
	}

	exec.Status = stepStatus
	if err := e.p.Executions.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	sess.Status = sessStatus
	if err := e.bumpSession(ctx, sess); err != nil {
		return err
	}

	job.Status = api.JobCompleted
	if err := e.p.Jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	e.logger.InfoContext(ctx, "step parked for interaction",
		slog.String("session_id", sess.ID),
		slog.String("step", exec.StepID),
		slog.String("request_id", requestID),
	)
	return nil
}

func (e *Engine) Respond(ctx context.Context, sessionID, requestID, responderID string, payload map[string]any, source api.ResponseSource, result api.RequestStatus) error {
	sess, err := e.p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return api.ErrSessionTerminal
	}

	req, err := e.p.Interactions.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.SessionID != sessionID {
		return fmt.Errorf("request %s does not belong to session %s", requestID, sessionID)
	}
	if req.Status.Terminal() {
		return api.ErrRequestTerminal
	}

	switch req.Type {
	case api.InteractionApproval:
		if result != api.RequestApproved && result != api.RequestRejected {
			return fmt.Errorf("approval request %s cannot resolve to %s", requestID, result)
		}
	case api.InteractionInput:
		if result != api.RequestAnswered {
			return fmt.Errorf("input request %s cannot resolve to %s", requestID, result)
		}
	}

	if err := schema.Validate(payload, req.PayloadSchema); err != nil {
		return err
	}

	now := e.now()
	if err := e.p.Interactions.SaveResponse(ctx, &api.FlowInteractionResponse{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		ResponderID: responderID,
		Payload:     payload,
		Source:      source,
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("save response: %w", err)
	}

	req.Status = result
	req.UpdatedAt = now
	if err := e.p.Interactions.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("update request: %w", err)
	}

	return e.resumeGatedStep(ctx, sess, req, map[string]any{
		"status":    string(result),
		"payload":   payload,
		"responder": responderID,
	}, api.EventInteractionResponded)
}

// ExpireOverdueRequests resolves every PENDING request past its deadline as
// EXPIRED and resumes the gated step, so a timeout behaves like a response.
func (e *Engine) ExpireOverdueRequests(ctx context.Context, now time.Time) (int, error) {
	overdue, err := e.p.Interactions.ListOverdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list overdue requests: %w", err)
	}

	expired := 0
	for _, req := range overdue {
		req.Status = api.RequestExpired
		req.UpdatedAt = e.now()
		if err := e.p.Interactions.UpdateRequest(ctx, req); err != nil {
			return expired, fmt.Errorf("update request %s: %w", req.ID, err)
		}
		expired++

		sess, err := e.p.Sessions.GetSession(ctx, req.SessionID)
		if err != nil || sess.Status.Terminal() {
			continue
		}
		if err := e.resumeGatedStep(ctx, sess, req, map[string]any{
			"status":  string(api.RequestExpired),
			"expired": true,
		}, api.EventInteractionExpired); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// resumeGatedStep records the gate outcome on the execution, flips the
// session back to RUNNING and enqueues the job that re-runs the step.
func (e *Engine) resumeGatedStep(ctx context.Context, sess *api.FlowSession, req *api.FlowInteractionRequest, interaction map[string]any, eventType api.EventType) error {
	exec, err := e.p.Executions.GetExecution(ctx, req.StepExecutionID)
	if err != nil {
		return err
	}
	if exec.Input == nil {
		exec.Input = make(map[string]any)
	}
	exec.Input["interaction"] = interaction
	exec.Status = api.StepPending
	if err := e.p.Executions.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sess.ID,
		Type:      eventType,
		Status:    string(req.Status),
		StepID:    req.StepID,
		Payload:   map[string]any{"request_id": req.ID},
	})

	if sess.Status == api.SessionWaitingApproval || sess.Status == api.SessionWaitingInput {
		sess.Status = api.SessionRunning
		if err := e.bumpSession(ctx, sess); err != nil {
			return err
		}
	}
	return e.enqueueStepJob(ctx, sess.ID, exec, e.now(), 0)
}
