package api

import "time"

// RequestStatus represents the lifecycle state of an interaction request.
type RequestStatus string

const (
	RequestPending      RequestStatus = "PENDING"
	RequestAnswered     RequestStatus = "ANSWERED"
	RequestApproved     RequestStatus = "APPROVED"
	RequestRejected     RequestStatus = "REJECTED"
	RequestExpired      RequestStatus = "EXPIRED"
	RequestAutoResolved RequestStatus = "AUTO_RESOLVED"
)

// Terminal reports whether the request can no longer accept a response.
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

// ResponseSource records who produced an interaction response.
type ResponseSource string

const (
	SourceUser   ResponseSource = "USER"
	SourceSystem ResponseSource = "SYSTEM"
)

// FlowInteractionRequest pauses a step execution until a human (or the
// expiry sweep) responds. At most one PENDING request exists per step
// execution.
type FlowInteractionRequest struct {
	ID              string
	SessionID       string
	StepExecutionID string
	StepID          string

	Type InteractionType

	// PayloadSchema is the JSON-schema-shaped map responses are validated
	// against. Nil accepts any payload.
	PayloadSchema map[string]any

	SuggestedActions []string

	// AgentVersion records which agent revision the gated step targets.
	AgentVersion string

	// DueAt is when the request becomes eligible for the expiry sweep.
	DueAt time.Time

	Status RequestStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FlowInteractionResponse records the single response to a request.
type FlowInteractionResponse struct {
	ID          string
	RequestID   string
	ResponderID string

	Payload map[string]any
	Source  ResponseSource

	CreatedAt time.Time
}
