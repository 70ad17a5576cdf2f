package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/stepflow/pkg/api"
)

func (e *Engine) Pause(ctx context.Context, sessionID, actor string) error {
	sess, err := e.p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return api.ErrSessionTerminal
	}
	if sess.Status == api.SessionPaused {
		return nil
	}

	sess.Status = api.SessionPaused
	if err := e.bumpSession(ctx, sess); err != nil {
		return err
	}
	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sessionID,
		Type:      api.EventFlowPaused,
		Status:    string(api.SessionPaused),
		Payload:   map[string]any{"actor": actor},
	})
	return nil
}

func (e *Engine) Resume(ctx context.Context, sessionID, actor string) error {
	sess, err := e.p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return api.ErrSessionTerminal
	}
	if sess.Status != api.SessionPaused {
		return fmt.Errorf("cannot resume session %s in status %s", sessionID, sess.Status)
	}

	// A session paused while parked on a gate has no job to claim; its
	// request is still PENDING and only Respond or the expiry sweep moves it
	// on. Restore the waiting status so pollers see the truth. Otherwise the
	// released job simply becomes claimable again.
	status := api.SessionRunning
	pending, err := e.p.Interactions.PendingForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		if pending[0].Type == api.InteractionInput {
			status = api.SessionWaitingInput
		} else {
			status = api.SessionWaitingApproval
		}
	}

	sess.Status = status
	if err := e.bumpSession(ctx, sess); err != nil {
		return err
	}
	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sessionID,
		Type:      api.EventFlowResumed,
		Status:    string(status),
		Payload:   map[string]any{"actor": actor},
	})
	return nil
}

func (e *Engine) Cancel(ctx context.Context, sessionID, actor string) error {
	sess, err := e.p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return api.ErrSessionTerminal
	}

	// Pending interaction requests are auto-resolved so they never resurface
	// through Respond or the expiry sweep. Nothing is re-enqueued.
	pending, err := e.p.Interactions.PendingForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	now := e.now()
	for _, req := range pending {
		req.Status = api.RequestAutoResolved
		req.UpdatedAt = now
		if err := e.p.Interactions.UpdateRequest(ctx, req); err != nil {
			return fmt.Errorf("auto-resolve request %s: %w", req.ID, err)
		}
	}

	// Open step executions end as CANCELLED; a job already claimed by a
	// worker finishes its in-flight invocation but its outcome is dropped
	// at the terminal-session check.
	execs, err := e.p.Executions.ListExecutions(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		switch exec.Status {
		case api.StepPending, api.StepRunning, api.StepWaitingApproval, api.StepWaitingInput:
			exec.Status = api.StepCancelled
			exec.FinishedAt = now
			if err := e.p.Executions.UpdateExecution(ctx, exec); err != nil {
				return fmt.Errorf("cancel execution %s: %w", exec.ID, err)
			}
		}
	}

	sess.Status = api.SessionCancelled
	if err := e.bumpSession(ctx, sess); err != nil {
		return err
	}
	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sessionID,
		Type:      api.EventFlowCompleted,
		Status:    string(api.SessionCancelled),
		Payload:   map[string]any{"actor": actor},
	})
	e.telemetry.SessionCompleted(ctx, sess)

	e.logger.InfoContext(ctx, "flow session cancelled",
		slog.String("session_id", sessionID),
		slog.String("actor", actor),
	)
	return nil
}
