package api

import "time"

// EventType identifies a flow history event.
type EventType string

const (
	EventFlowStarted   EventType = "FLOW_STARTED"
	EventFlowPaused    EventType = "FLOW_PAUSED"
	EventFlowResumed   EventType = "FLOW_RESUMED"
	EventFlowCompleted EventType = "FLOW_COMPLETED"

	EventStepStarted   EventType = "STEP_STARTED"
	EventStepCompleted EventType = "STEP_COMPLETED"
	EventStepFailed    EventType = "STEP_FAILED"

	EventRetryScheduled EventType = "RETRY_SCHEDULED"

	EventInteractionRequired  EventType = "HUMAN_INTERACTION_REQUIRED"
	EventInteractionResponded EventType = "HUMAN_INTERACTION_RESPONDED"
	EventInteractionExpired   EventType = "HUMAN_INTERACTION_EXPIRED"
)

// FlowEvent is an append-only per-session history record. Events are never
// mutated or deleted; ordering is by insertion ID.
type FlowEvent struct {
	// ID is assigned by the event store on append, strictly increasing
	// per store.
	ID int64

	SessionID string
	Type      EventType

	// Status carries the session or step status the event describes,
	// e.g. FLOW_COMPLETED with status FAILED.
	Status string

	// StepID is set for step-scoped events.
	StepID string

	// Payload holds small, event-specific details. Keep it low-volume;
	// large blobs belong on the execution record.
	Payload map[string]any

	Usage UsageCost

	TraceID string
	SpanID  string

	At time.Time
}
