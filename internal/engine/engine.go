// Package engine implements the flow orchestrator: session lifecycle,
// durable job processing with lease-based claiming, retry with backoff,
// human interaction gates and the append-only event history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/memory"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// DefaultLeaseTTL is how long a claimed job's lease is honored before
// another worker may reclaim it.
const DefaultLeaseTTL = 5 * time.Minute

// Engine is the api.Orchestrator implementation. It holds no in-process
// session state: every command reloads from the store, so any number of
// Engine instances may share one backing store.
type Engine struct {
	p        persistence.Persistence
	registry *registry
	invoker  api.AgentInvoker
	memory   *memory.Service

	telemetry api.Telemetry
	logger    *slog.Logger

	leaseTTL time.Duration
	now      func() time.Time
}

var _ api.Orchestrator = (*Engine)(nil)

// Config describes how to construct an Engine. Persistence and Invoker are
// required; everything else has a sensible default.
type Config struct {
	Persistence persistence.Persistence
	Invoker     api.AgentInvoker

	// Parser overrides the built-in graph parser/validator.
	Parser api.DefinitionParser

	Telemetry api.Telemetry
	Logger    *slog.Logger

	// LeaseTTL bounds how long a crashed worker can hold a job before it is
	// reclaimable. Defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration

	// MemoryTailLimit caps how many raw memory versions a step reads above
	// the summarized boundary. Zero means unlimited.
	MemoryTailLimit int

	// Clock replaces the engine's time source. Intended for tests.
	Clock func() time.Time
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	tel := cfg.Telemetry
	if tel == nil {
		tel = api.NoopTelemetry{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	mem := memory.NewService(cfg.Persistence.Memory, cfg.MemoryTailLimit)
	if cfg.Clock != nil {
		mem = mem.WithClock(cfg.Clock)
	}

	return &Engine{
		p:         cfg.Persistence,
		registry:  newRegistry(cfg.Persistence.Definitions, cfg.Parser),
		invoker:   cfg.Invoker,
		memory:    mem,
		telemetry: tel,
		logger:    logger,
		leaseTTL:  leaseTTL,
		now:       now,
	}
}

// Memory exposes the engine's memory service for summarizers and readers
// outside the job path.
func (e *Engine) Memory() *memory.Service {
	return e.memory
}

func (e *Engine) RegisterDefinition(def api.FlowDefinition) error {
	return e.registry.Register(context.Background(), def)
}

func (e *Engine) PublishDefinition(name, version string) error {
	return e.registry.Publish(context.Background(), name, version)
}

func (e *Engine) Start(ctx context.Context, name string, opts api.StartOptions) (*api.FlowSession, error) {
	def, graph, err := e.registry.Resolve(ctx, name, opts.Version)
	if err != nil {
		return nil, err
	}

	now := e.now()
	sess := &api.FlowSession{
		ID:                uuid.NewString(),
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Graph:             graph,
		Status:            api.SessionRunning,
		CurrentStepID:     graph.StartStepID,
		StateVersion:      1,
		LaunchParams:      opts.LaunchParams,
		SharedContext:     opts.SharedContext,
		Overrides:         opts.Overrides,
		ChatSessionID:     opts.ChatSessionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.p.Sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	e.appendEvent(ctx, &api.FlowEvent{
		SessionID: sess.ID,
		Type:      api.EventFlowStarted,
		Status:    string(sess.Status),
		StepID:    graph.StartStepID,
		At:        now,
	})

	exec := &api.FlowStepExecution{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StepID:    graph.StartStepID,
		Status:    api.StepPending,
		Attempt:   1,
	}
	if err := e.p.Executions.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("save execution: %w", err)
	}
	if err := e.enqueueStepJob(ctx, sess.ID, exec, now, 0); err != nil {
		return nil, err
	}

	e.telemetry.SessionStarted(ctx, sess)
	e.logger.InfoContext(ctx, "flow session started",
		slog.String("definition", def.Name),
		slog.String("version", def.Version),
		slog.String("session_id", sess.ID),
	)
	return sess, nil
}

// enqueueStepJob persists a new queue job for one attempt of a step
// execution. scheduledAt in the future delays the claim (retry backoff).
func (e *Engine) enqueueStepJob(ctx context.Context, sessionID string, exec *api.FlowStepExecution, scheduledAt time.Time, retryCount int) error {
	job := &api.FlowJob{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		StepExecutionID: exec.ID,
		Payload: api.JobPayload{
			SessionID:       sessionID,
			StepExecutionID: exec.ID,
			StepID:          exec.StepID,
			Attempt:         exec.Attempt,
		},
		Status:      api.JobPending,
		RetryCount:  retryCount,
		ScheduledAt: scheduledAt,
		EnqueuedAt:  e.now(),
	}
	if err := e.p.Jobs.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (e *Engine) ProcessNextJob(ctx context.Context, workerID string) (*api.FlowJob, error) {
	job, err := e.p.Jobs.LockNextPending(ctx, workerID, e.now(), e.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	// Session state may have changed between enqueue and claim; always act
	// on a fresh read.
	sess, err := e.p.Sessions.GetSession(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, persistence.ErrSessionNotFound) {
			job.Status = api.JobFailed
			_ = e.p.Jobs.UpdateJob(ctx, job)
			return job, nil
		}
		e.releaseJob(ctx, job, workerID)
		return nil, err
	}

	if sess.Status.Terminal() {
		// Leftover job of a cancelled/failed session; drop it.
		job.Status = api.JobCompleted
		if err := e.p.Jobs.UpdateJob(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
	if sess.Status == api.SessionPaused ||
		sess.Status == api.SessionWaitingApproval ||
		sess.Status == api.SessionWaitingInput {
		// Not runnable right now: hand the job back untouched so a later
		// resume picks it up with its original schedule.
		e.releaseJob(ctx, job, workerID)
		return nil, nil
	}

	if err := e.runStep(ctx, sess, job); err != nil {
		e.releaseJob(ctx, job, workerID)
		return nil, err
	}
	return job, nil
}

func (e *Engine) releaseJob(ctx context.Context, job *api.FlowJob, workerID string) {
	if err := e.p.Jobs.ReleaseJob(ctx, job.ID, workerID); err != nil {
		e.logger.WarnContext(ctx, "release job failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) GetSession(ctx context.Context, id string) (*api.FlowSession, error) {
	return e.p.Sessions.GetSession(ctx, id)
}

func (e *Engine) Snapshot(ctx context.Context, sessionID string, sinceEventID int64) (*api.SessionSnapshot, error) {
	sess, err := e.p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := e.p.Events.ListEvents(ctx, sessionID, sinceEventID)
	if err != nil {
		return nil, err
	}
	return &api.SessionSnapshot{Session: sess, Events: events}, nil
}

func (e *Engine) RecoverStaleJobs(ctx context.Context) (int, error) {
	n, err := e.p.Jobs.RecoverStale(ctx, e.now(), e.leaseTTL)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "recovered stale jobs", slog.Int("count", n))
	}
	return n, nil
}

// appendEvent writes a history event. History failures are logged but never
// fail the orchestration path; state transitions have already been persisted.
func (e *Engine) appendEvent(ctx context.Context, ev *api.FlowEvent) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if err := e.p.Events.AppendEvent(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "append event failed",
			slog.String("session_id", ev.SessionID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}

// bumpSession persists a status-affecting session mutation, incrementing
// StateVersion exactly once.
func (e *Engine) bumpSession(ctx context.Context, sess *api.FlowSession) error {
	sess.StateVersion++
	sess.UpdatedAt = e.now()
	if err := e.p.Sessions.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}
