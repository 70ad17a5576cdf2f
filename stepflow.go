package stepflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Orchestrator    = api.Orchestrator
	FlowDefinition  = api.FlowDefinition
	FlowSession     = api.FlowSession
	FlowEvent       = api.FlowEvent
	SessionSnapshot = api.SessionSnapshot
	StartOptions    = api.StartOptions
	StepConfig      = api.StepConfig
	Transition      = api.Transition
	RetryPolicy     = api.RetryPolicy

	InteractionConfig       = api.InteractionConfig
	FlowInteractionRequest  = api.FlowInteractionRequest
	FlowInteractionResponse = api.FlowInteractionResponse

	AgentInvoker      = api.AgentInvoker
	AgentInvokerFunc  = api.AgentInvokerFunc
	InvocationRequest = api.InvocationRequest
	InvocationResult  = api.InvocationResult

	Telemetry            = api.Telemetry
	LoggingTelemetry     = api.LoggingTelemetry
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	NoopTelemetry        = api.NoopTelemetry
)

// Re-export common telemetry helpers.

var (
	NewLoggingTelemetry   = api.NewLoggingTelemetry
	NewCompositeTelemetry = api.NewCompositeTelemetry
)

// Re-export status values for convenience.

const (
	SessionPending         = api.SessionPending
	SessionRunning         = api.SessionRunning
	SessionPaused          = api.SessionPaused
	SessionWaitingApproval = api.SessionWaitingApproval
	SessionWaitingInput    = api.SessionWaitingInput
	SessionCompleted       = api.SessionCompleted
	SessionFailed          = api.SessionFailed
	SessionCancelled       = api.SessionCancelled

	InteractionApproval = api.InteractionApproval
	InteractionInput    = api.InteractionInput

	RequestApproved = api.RequestApproved
	RequestRejected = api.RequestRejected
	RequestAnswered = api.RequestAnswered

	SourceUser   = api.SourceUser
	SourceSystem = api.SourceSystem
)

// Options tunes an orchestrator beyond its required collaborators.
type Options struct {
	Telemetry api.Telemetry

	// LeaseTTL bounds how long a crashed worker holds a job.
	LeaseTTL time.Duration

	// MemoryTailLimit caps raw memory versions per channel read.
	MemoryTailLimit int
}

// Orchestrator constructors. These wrap the internal/engine package so
// external callers never need to import internal packages.

// NewInMemoryOrchestrator returns an Orchestrator backed entirely by
// in-memory stores. Intended for development and tests.
func NewInMemoryOrchestrator(invoker AgentInvoker, opts Options) Orchestrator {
	return engine.New(engine.Config{
		Persistence:     persistence.NewInMemoryStore().Stores(),
		Invoker:         invoker,
		Telemetry:       opts.Telemetry,
		LeaseTTL:        opts.LeaseTTL,
		MemoryTailLimit: opts.MemoryTailLimit,
	})
}

// NewSQLiteOrchestrator returns an Orchestrator persisting sessions, jobs,
// events, interactions and memory in the given SQLite database.
func NewSQLiteOrchestrator(db *sql.DB, invoker AgentInvoker, opts Options) (Orchestrator, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Persistence:     store.Stores(events),
		Invoker:         invoker,
		Telemetry:       opts.Telemetry,
		LeaseTTL:        opts.LeaseTTL,
		MemoryTailLimit: opts.MemoryTailLimit,
	}), nil
}

// Convenience helpers that just forward to the underlying Orchestrator.

// Start starts a session of the named published flow.
func Start(ctx context.Context, orch Orchestrator, name string, opts StartOptions) (*FlowSession, error) {
	return orch.Start(ctx, name, opts)
}

// GetSession fetches a session by ID.
func GetSession(ctx context.Context, orch Orchestrator, id string) (*FlowSession, error) {
	return orch.GetSession(ctx, id)
}

// Snapshot returns the session and its events after sinceEventID.
func Snapshot(ctx context.Context, orch Orchestrator, sessionID string, sinceEventID int64) (*SessionSnapshot, error) {
	return orch.Snapshot(ctx, sessionID, sinceEventID)
}

// Approve resolves a pending approval request positively.
func Approve(ctx context.Context, orch Orchestrator, sessionID, requestID, responderID string) error {
	return orch.Respond(ctx, sessionID, requestID, responderID, nil, api.SourceUser, api.RequestApproved)
}

// Reject resolves a pending approval request negatively; the gated step
// fails without retrying.
func Reject(ctx context.Context, orch Orchestrator, sessionID, requestID, responderID string) error {
	return orch.Respond(ctx, sessionID, requestID, responderID, nil, api.SourceUser, api.RequestRejected)
}

// Answer delivers a user-input payload to a pending input request.
func Answer(ctx context.Context, orch Orchestrator, sessionID, requestID, responderID string, payload map[string]any) error {
	return orch.Respond(ctx, sessionID, requestID, responderID, payload, api.SourceUser, api.RequestAnswered)
}

// RecoverStaleJobs delegates to orch.RecoverStaleJobs.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := stepflow.RecoverStaleJobs(ctx, orch)
func RecoverStaleJobs(ctx context.Context, orch Orchestrator) (int, error) {
	return orch.RecoverStaleJobs(ctx)
}
