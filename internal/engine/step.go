package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/oliveagle/jsonpath"

	"github.com/petrijr/stepflow/internal/memory"
	"github.com/petrijr/stepflow/pkg/api"
)

// Error codes recorded on failed executions and sessions.
const (
	errCodeInvocation = "INVOCATION_FAILED"
	errCodeStructural = "STRUCTURAL_ERROR"
	errCodeRejected   = "INTERACTION_REJECTED"
	errCodeMaxRetries = "MAX_RETRIES_EXCEEDED"
)

// runStep drives one claimed job to its next stable state: parked behind an
// interaction gate, retried, routed onward, or terminal.
func (e *Engine) runStep(ctx context.Context, sess *api.FlowSession, job *api.FlowJob) error {
	exec, err := e.p.Executions.GetExecution(ctx, job.StepExecutionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", job.StepExecutionID, err)
	}

	step, ok := sess.Graph.Steps[exec.StepID]
	if !ok {
		serr := &api.StructuralError{StepID: exec.StepID, Reason: "step not in session graph"}
		return e.failStep(ctx, sess, exec, job, step, serr, false)
	}

	if step.Interaction != nil {
		proceed, err := e.applyGate(ctx, sess, exec, job, step)
		if err != nil || !proceed {
			return err
		}
	}

	now := e.now()
	exec.Status = api.StepRunning
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	if err := e.p.Executions.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sess.ID,
		Type:      api.EventStepStarted,
		Status:    string(api.StepRunning),
		StepID:    exec.StepID,
		Payload:   map[string]any{"attempt": exec.Attempt},
		At:        now,
	})

	invCtx, err := e.buildContext(ctx, sess, exec, step)
	if err != nil {
		return e.failStep(ctx, sess, exec, job, step, err, false)
	}

	result, invErr := e.invoker.Invoke(ctx, api.InvocationRequest{
		SessionID: sess.ID,
		StepID:    exec.StepID,
		AgentRef:  step.AgentRef,
		Prompt:    step.PromptTemplate,
		Context:   invCtx,
		Overrides: sess.Overrides,
	})
	if invErr != nil {
		return e.failStep(ctx, sess, exec, job, step, invErr, true)
	}

	return e.completeStep(ctx, sess, exec, job, step, result)
}

// buildContext assembles the merged invocation context: launch parameters,
// shared context, the execution's accumulated input (prior step output and
// interaction responses), declared memory reads, and resolved input mappings.
func (e *Engine) buildContext(ctx context.Context, sess *api.FlowSession, exec *api.FlowStepExecution, step api.StepConfig) (map[string]any, error) {
	merged := make(map[string]any)
	for _, layer := range []map[string]any{sess.LaunchParams, sess.SharedContext, exec.Input} {
		for k, v := range layer {
			merged[k] = v
		}
	}

	if len(step.MemoryReads) > 0 {
		mem := make(map[string]any, len(step.MemoryReads))
		for _, channel := range step.MemoryReads {
			view, err := e.memory.Read(ctx, sess.ID, channel)
			if err != nil {
				return nil, fmt.Errorf("read memory channel %q: %w", channel, err)
			}
			mem[channel] = memory.Flatten(view)
		}
		merged["memory"] = mem
	}

	// Input mappings resolve last so they can select from everything above.
	// A path that matches nothing leaves the parameter unset.
	for param, path := range step.InputMappings {
		value, err := jsonpath.JsonPathLookup(merged, path)
		if err != nil {
			e.logger.DebugContext(ctx, "input mapping unresolved",
				slog.String("step", step.ID),
				slog.String("param", param),
				slog.String("path", path),
			)
			continue
		}
		merged[param] = value
	}

	return merged, nil
}

// completeStep records a successful invocation and routes the session
// according to the step's success transition.
func (e *Engine) completeStep(ctx context.Context, sess *api.FlowSession, exec *api.FlowStepExecution, job *api.FlowJob, step api.StepConfig, result *api.InvocationResult) error {
	now := e.now()

	exec.Status = api.StepCompleted
	exec.Output = map[string]any{"content": result.Content}
	if len(result.SelectedToolCodes) > 0 {
		exec.Output["tools"] = result.SelectedToolCodes
	}
	exec.Usage = exec.Usage.Add(result.Usage)
	exec.FinishedAt = now
	if err := e.p.Executions.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	// Only declared channels accept writes; anything else the agent sent
	// back is dropped.
	for channel, data := range result.MemoryUpdates {
		if !contains(step.MemoryWrites, channel) {
			e.logger.WarnContext(ctx, "memory update to undeclared channel dropped",
				slog.String("step", step.ID),
				slog.String("channel", channel),
			)
			continue
		}
		version, err := e.memory.Append(ctx, sess.ID, channel, data)
		if err != nil {
			return err
		}
		if version.Version > sess.CurrentMemoryVersion {
			sess.CurrentMemoryVersion = version.Version
		}
	}

	sess.Usage = sess.Usage.Add(result.Usage)

	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sess.ID,
		Type:      api.EventStepCompleted,
		Status:    string(api.StepCompleted),
		StepID:    exec.StepID,
		Payload:   map[string]any{"attempt": exec.Attempt},
		Usage:     result.Usage,
		At:        now,
	})
	e.telemetry.StepCompleted(ctx, sess, exec, now.Sub(exec.StartedAt))

	job.Status = api.JobCompleted
	if err := e.p.Jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if step.OnSuccess.NextStepID != "" {
		return e.routeToStep(ctx, sess, step.OnSuccess.NextStepID, exec.Output)
	}
	// No onward route means the flow is done.
	return e.finishSession(ctx, sess, api.SessionCompleted, "", "")
}

// failStep records a failed attempt, schedules a retry when the policy
// allows it, and otherwise routes the session along the failure transition.
func (e *Engine) failStep(ctx context.Context, sess *api.FlowSession, exec *api.FlowStepExecution, job *api.FlowJob, step api.StepConfig, cause error, retryable bool) error {
	now := e.now()

	code := errCodeInvocation
	switch {
	case api.IsStructural(cause):
		code = errCodeStructural
		retryable = false
	case errors.Is(cause, api.ErrInteractionRejected):
		code = errCodeRejected
		retryable = false
	}
	if step.OnFailure.DisableRetry {
		retryable = false
	}

	exec.Status = api.StepFailed
	exec.ErrorCode = code
	exec.ErrorMessage = cause.Error()
	exec.FinishedAt = now
	if err := e.p.Executions.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sess.ID,
		Type:      api.EventStepFailed,
		Status:    string(api.StepFailed),
		StepID:    exec.StepID,
		Payload:   map[string]any{"attempt": exec.Attempt, "error": cause.Error()},
		At:        now,
	})
	e.telemetry.StepFailed(ctx, sess, exec, cause)

	job.Status = api.JobFailed
	if err := e.p.Jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if retryable {
		if retry, delay := decideRetry(exec.Attempt, step.Retry); retry {
			// Retry reuses the execution record: bump the attempt, reset
			// the status, and enqueue a fresh job with backoff.
			exec.Attempt++
			exec.Status = api.StepPending
			exec.ErrorCode = ""
			exec.ErrorMessage = ""
			exec.FinishedAt = now
			if err := e.p.Executions.UpdateExecution(ctx, exec); err != nil {
				return fmt.Errorf("update execution: %w", err)
			}

			e.appendEvent(ctx, &api.FlowEvent{
				SessionID: sess.ID,
				Type:      api.EventRetryScheduled,
				Status:    string(api.StepPending),
				StepID:    exec.StepID,
				Payload: map[string]any{
					"attempt":  exec.Attempt,
					"delay_ms": delay.Milliseconds(),
				},
				At: now,
			})
			e.telemetry.RetryScheduled(ctx, sess, exec, delay)

			return e.enqueueStepJob(ctx, sess.ID, exec, now.Add(delay), exec.Attempt-1)
		}
	}

	// Retries exhausted (or not allowed): follow the failure transition.
	if step.OnFailure.NextStepID != "" {
		return e.routeToStep(ctx, sess, step.OnFailure.NextStepID, map[string]any{
			"error": cause.Error(),
		})
	}
	if step.OnFailure.Complete {
		return e.finishSession(ctx, sess, api.SessionCompleted, "", "")
	}

	// Attempt > 1 means retries were actually scheduled and exhausted; a
	// first-attempt failure (no policy, or retries suppressed) keeps the
	// plain invocation code.
	finalCode := code
	if code == errCodeInvocation && exec.Attempt > 1 {
		finalCode = errCodeMaxRetries
	}
	return e.finishSession(ctx, sess, api.SessionFailed, finalCode, cause.Error())
}

// routeToStep creates the execution and job for the next step and moves the
// session's cursor there.
func (e *Engine) routeToStep(ctx context.Context, sess *api.FlowSession, stepID string, previous map[string]any) error {
	if _, ok := sess.Graph.Steps[stepID]; !ok {
		serr := &api.StructuralError{StepID: stepID, Reason: "transition targets step not in session graph"}
		return e.finishSession(ctx, sess, api.SessionFailed, errCodeStructural, serr.Error())
	}

	next := &api.FlowStepExecution{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StepID:    stepID,
		Status:    api.StepPending,
		Attempt:   1,
		Input:     map[string]any{"previous": previous},
	}
	if err := e.p.Executions.SaveExecution(ctx, next); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}

	sess.CurrentStepID = stepID
	if err := e.bumpSession(ctx, sess); err != nil {
		return err
	}
	return e.enqueueStepJob(ctx, sess.ID, next, e.now(), 0)
}

// finishSession moves the session to a terminal status and emits the
// closing history event.
func (e *Engine) finishSession(ctx context.Context, sess *api.FlowSession, status api.SessionStatus, errCode, errMsg string) error {
	sess.Status = status
	sess.ErrorCode = errCode
	sess.ErrorMessage = errMsg
	if err := e.bumpSession(ctx, sess); err != nil {
		return err
	}

	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sess.ID,
		Type:      api.EventFlowCompleted,
		Status:    string(status),
		Usage:     sess.Usage,
	})
	e.telemetry.SessionCompleted(ctx, sess)
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
