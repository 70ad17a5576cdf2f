package api

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionTerminal is returned when a command targets a session in a
	// terminal status.
	ErrSessionTerminal = errors.New("session is in a terminal status")

	// ErrRequestTerminal is returned when responding to an interaction
	// request that was already answered, rejected or expired.
	ErrRequestTerminal = errors.New("interaction request is already resolved")

	// ErrDefinitionPublished is returned when mutating a published
	// definition.
	ErrDefinitionPublished = errors.New("definition is published and immutable")

	// ErrInteractionRejected is the step failure cause when a human rejects
	// an approval gate. Rejections never retry.
	ErrInteractionRejected = errors.New("interaction rejected by responder")
)

// StructuralError is a fatal definition/graph problem discovered at runtime,
// e.g. a transition naming a step that does not exist. Structural errors
// fail the session immediately and are never retried.
type StructuralError struct {
	StepID string
	Reason string
}

func (e *StructuralError) Error() string {
	if e.StepID == "" {
		return "structural error: " + e.Reason
	}
	return fmt.Sprintf("structural error at step %q: %s", e.StepID, e.Reason)
}

// IsStructural reports whether err is a StructuralError.
func IsStructural(err error) bool {
	var s *StructuralError
	return errors.As(err, &s)
}

// StartOptions carries the optional inputs to Orchestrator.Start.
type StartOptions struct {
	// Version selects an explicit definition version. Empty means the
	// latest published version.
	Version string

	LaunchParams  map[string]any
	SharedContext map[string]any
	Overrides     map[string]any

	ChatSessionID string
}

// SessionSnapshot is the optimistic-poll result: the session plus all events
// with ID greater than the requested watermark.
type SessionSnapshot struct {
	Session *FlowSession
	Events  []FlowEvent
}

// Orchestrator is the top-level coordinator of flow sessions. It is safe for
// concurrent use; multiple worker processes may call ProcessNextJob against
// the same backing store.
type Orchestrator interface {
	// RegisterDefinition stores a definition. Re-registering a published
	// name+version fails with ErrDefinitionPublished.
	RegisterDefinition(def FlowDefinition) error

	// PublishDefinition freezes a definition. The latest published version
	// of a name becomes the one Start uses by default.
	PublishDefinition(name, version string) error

	// Start creates a RUNNING session for the named definition and
	// enqueues the first job.
	Start(ctx context.Context, name string, opts StartOptions) (*FlowSession, error)

	// ProcessNextJob claims at most one eligible job and drives its step
	// to the next stable state. It returns (nil, nil) when no job is
	// eligible; losing a claim race is not an error.
	ProcessNextJob(ctx context.Context, workerID string) (*FlowJob, error)

	// GetSession looks up a session by ID.
	GetSession(ctx context.Context, id string) (*FlowSession, error)

	// Snapshot returns the session and its events after sinceEventID, for
	// pollers keyed on StateVersion.
	Snapshot(ctx context.Context, sessionID string, sinceEventID int64) (*SessionSnapshot, error)

	// Pause stops further jobs of the session from being handed out.
	Pause(ctx context.Context, sessionID, actor string) error

	// Resume lifts a pause.
	Resume(ctx context.Context, sessionID, actor string) error

	// Cancel cooperatively terminates the session: pending interactions
	// are auto-resolved and no further jobs run. An invocation already in
	// flight cannot be interrupted mid-call.
	Cancel(ctx context.Context, sessionID, actor string) error

	// Respond delivers a human response to a pending interaction request
	// and resumes the gated step.
	Respond(ctx context.Context, sessionID, requestID, responderID string, payload map[string]any, source ResponseSource, result RequestStatus) error

	// ExpireOverdueRequests sweeps PENDING requests with DueAt before now,
	// resolving each as EXPIRED and resuming its step. Returns the number
	// of requests expired.
	ExpireOverdueRequests(ctx context.Context, now time.Time) (int, error)

	// RecoverStaleJobs returns RUNNING jobs with an expired lease to
	// PENDING. Intended for startup and periodic housekeeping.
	RecoverStaleJobs(ctx context.Context) (int, error)
}
