package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a flow definition is not found.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrSessionNotFound is returned when a flow session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrExecutionNotFound is returned when a step execution is not found.
	ErrExecutionNotFound = errors.New("step execution not found")

	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrRequestNotFound is returned when an interaction request is not found.
	ErrRequestNotFound = errors.New("interaction request not found")
)

// SessionFilter selects sessions from the store. Empty fields mean
// "no filter".
type SessionFilter struct {
	DefinitionName string
	Status         api.SessionStatus
}

// DefinitionStore handles storage of flow definitions.
// Publication immutability is enforced by the registry, not the store.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def api.FlowDefinition) error
	GetDefinition(ctx context.Context, name, version string) (api.FlowDefinition, error)
	// LatestPublished returns the highest-versioned PUBLISHED definition
	// for a name.
	LatestPublished(ctx context.Context, name string) (api.FlowDefinition, error)
	ListVersions(ctx context.Context, name string) ([]string, error)
}

// SessionStore handles storage of flow sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, s *api.FlowSession) error
	UpdateSession(ctx context.Context, s *api.FlowSession) error
	GetSession(ctx context.Context, id string) (*api.FlowSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*api.FlowSession, error)
}

// ExecutionStore handles storage of step executions.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, e *api.FlowStepExecution) error
	UpdateExecution(ctx context.Context, e *api.FlowStepExecution) error
	GetExecution(ctx context.Context, id string) (*api.FlowStepExecution, error)
	ListExecutions(ctx context.Context, sessionID string) ([]*api.FlowStepExecution, error)
}

// JobStore is the persisted work queue with lease-based claiming.
type JobStore interface {
	EnqueueJob(ctx context.Context, j *api.FlowJob) error

	// UpdateJob persists a status transition (COMPLETED/FAILED) and the
	// current lease fields as-is.
	UpdateJob(ctx context.Context, j *api.FlowJob) error

	GetJob(ctx context.Context, id string) (*api.FlowJob, error)
	ListJobs(ctx context.Context, sessionID string) ([]*api.FlowJob, error)

	// LockNextPending atomically claims the oldest eligible job: status
	// PENDING with ScheduledAt <= now, or RUNNING with a lease older than
	// leaseTTL (crashed worker). On success the job is RUNNING with
	// LockedBy=workerID, LockedAt=now. Returns (nil, nil) when nothing
	// qualifies; losing a race to another worker is not an error.
	//
	// Implementations must claim with a single atomic conditional update,
	// never read-then-write across round trips.
	LockNextPending(ctx context.Context, workerID string, now time.Time, leaseTTL time.Duration) (*api.FlowJob, error)

	// ReleaseJob returns a claimed job to PENDING and clears its lease.
	// It is a no-op if the lease is held by a different worker.
	ReleaseJob(ctx context.Context, jobID, workerID string) error

	// RecoverStale flips RUNNING jobs with a lease older than leaseTTL
	// back to PENDING, returning how many were recovered.
	RecoverStale(ctx context.Context, now time.Time, leaseTTL time.Duration) (int, error)
}

// EventStore is the append-only per-session history. AppendEvent assigns
// the event's insertion ID.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *api.FlowEvent) error
	// ListEvents returns the session's events with ID > sinceID in
	// insertion order. sinceID 0 returns everything.
	ListEvents(ctx context.Context, sessionID string, sinceID int64) ([]api.FlowEvent, error)
}

// InteractionStore handles interaction requests and responses.
type InteractionStore interface {
	SaveRequest(ctx context.Context, r *api.FlowInteractionRequest) error
	UpdateRequest(ctx context.Context, r *api.FlowInteractionRequest) error
	GetRequest(ctx context.Context, id string) (*api.FlowInteractionRequest, error)

	// PendingForExecution returns the step execution's PENDING request,
	// or (nil, nil) when there is none. At most one can exist.
	PendingForExecution(ctx context.Context, stepExecutionID string) (*api.FlowInteractionRequest, error)

	// LatestForExecution returns the most recently created request for the
	// step execution regardless of status, or (nil, nil).
	LatestForExecution(ctx context.Context, stepExecutionID string) (*api.FlowInteractionRequest, error)

	PendingForSession(ctx context.Context, sessionID string) ([]*api.FlowInteractionRequest, error)

	// ListOverdue returns PENDING requests with DueAt < now.
	ListOverdue(ctx context.Context, now time.Time) ([]*api.FlowInteractionRequest, error)

	SaveResponse(ctx context.Context, r *api.FlowInteractionResponse) error
}

// MemoryStore handles the versioned channel memory of sessions.
type MemoryStore interface {
	AppendVersion(ctx context.Context, v *api.MemoryVersion) error

	// HeadVersion returns the channel's highest version number and its
	// record ID, or (0, "") for an empty channel.
	HeadVersion(ctx context.Context, sessionID, channel string) (int64, string, error)

	// ListVersionsAfter returns versions with Version > after in ascending
	// order, keeping only the `limit` most recent when limit > 0.
	ListVersionsAfter(ctx context.Context, sessionID, channel string, after int64, limit int) ([]api.MemoryVersion, error)

	SaveSummary(ctx context.Context, s *api.MemorySummary) error

	// ListSummaries returns the channel's summaries ordered by
	// SourceVersionStart.
	ListSummaries(ctx context.Context, sessionID, channel string) ([]api.MemorySummary, error)
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Definitions  DefinitionStore
	Sessions     SessionStore
	Executions   ExecutionStore
	Jobs         JobStore
	Events       EventStore
	Interactions InteractionStore
	Memory       MemoryStore
}
