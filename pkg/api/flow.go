package api

import (
	"time"
)

// SessionStatus represents the lifecycle state of a flow session.
type SessionStatus string

const (
	SessionPending         SessionStatus = "PENDING"
	SessionRunning         SessionStatus = "RUNNING"
	SessionPaused          SessionStatus = "PAUSED"
	SessionWaitingApproval SessionStatus = "WAITING_STEP_APPROVAL"
	SessionWaitingInput    SessionStatus = "WAITING_USER_INPUT"
	SessionCompleted       SessionStatus = "COMPLETED"
	SessionFailed          SessionStatus = "FAILED"
	SessionAborted         SessionStatus = "ABORTED"
	SessionCancelled       SessionStatus = "CANCELLED"
)

// Terminal reports whether no further jobs may be processed for a session
// in this status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionAborted, SessionCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step execution.
type StepStatus string

const (
	StepPending         StepStatus = "PENDING"
	StepRunning         StepStatus = "RUNNING"
	StepCompleted       StepStatus = "COMPLETED"
	StepFailed          StepStatus = "FAILED"
	StepWaitingApproval StepStatus = "WAITING_APPROVAL"
	StepWaitingInput    StepStatus = "WAITING_USER_INPUT"
	StepSkipped         StepStatus = "SKIPPED"
	StepCancelled       StepStatus = "CANCELLED"
)

// JobStatus represents the lifecycle state of a queue job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// DefinitionStatus represents the publication state of a flow definition.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "DRAFT"
	DefinitionPublished  DefinitionStatus = "PUBLISHED"
	DefinitionDeprecated DefinitionStatus = "DEPRECATED"
)

// RetryPolicy controls how a step is retried when its invocation fails.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The backoff before attempt n (n >= 2) is
// InitialBackoff * BackoffMultiplier^(n-2), capped at MaxBackoff when
// MaxBackoff > 0. A zero InitialBackoff retries immediately.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Transition is a step's routing rule, evaluated after the step's invocation
// settles. Exactly one of NextStepID / Complete should be set; a zero
// Transition on failure means "fail the session once retries are exhausted".
type Transition struct {
	// NextStepID names the step to enqueue next.
	NextStepID string

	// Complete marks the session COMPLETED instead of routing onward.
	Complete bool

	// DisableRetry forces MaxAttempts=1 regardless of the configured retry
	// policy. Only meaningful on failure transitions.
	DisableRetry bool
}

// InteractionType distinguishes approval gates from free-form input gates.
type InteractionType string

const (
	InteractionApproval InteractionType = "APPROVAL"
	InteractionInput    InteractionType = "USER_INPUT"
)

// InteractionConfig declares that a step pauses for human interaction
// before its agent invocation runs.
type InteractionConfig struct {
	Type InteractionType

	// PayloadSchema is a JSON-schema-shaped map the response payload is
	// validated against. Nil accepts any payload.
	PayloadSchema map[string]any

	// SuggestedActions are surfaced to the responder as-is.
	SuggestedActions []string

	// Timeout is how long the request stays answerable. After
	// DueAt = now + Timeout an expiry sweep auto-resolves it.
	Timeout time.Duration
}

// StepConfig describes one step in a flow definition's graph.
type StepConfig struct {
	ID string

	// AgentRef identifies the external agent the step delegates to.
	AgentRef string

	// PromptTemplate is passed through to the agent invoker untouched.
	PromptTemplate string

	// InputMappings maps invocation parameter names to JSONPath expressions
	// resolved against the merged invocation context, e.g.
	// {"city": "$.launch.city"}.
	InputMappings map[string]string

	// MemoryReads lists memory channels whose compacted view is merged
	// into the invocation context.
	MemoryReads []string

	// MemoryWrites lists channels the step's agent may append to. Updates
	// for channels not listed here are dropped.
	MemoryWrites []string

	OnSuccess Transition
	OnFailure Transition

	Retry *RetryPolicy

	// Interaction, when non-nil, gates the step behind a human
	// approval/input request.
	Interaction *InteractionConfig
}

// FlowDefinition is an immutable-once-published description of a step graph.
type FlowDefinition struct {
	Name        string
	Version     string
	Status      DefinitionStatus
	StartStepID string
	Steps       map[string]StepConfig
}

// StepGraph is the parsed, validated form of a definition's step graph.
// Sessions snapshot the graph they started with so later definition changes
// never affect in-flight executions.
type StepGraph struct {
	StartStepID string
	Steps       map[string]StepConfig
}

// UsageCost is a snapshot of agent token usage and cost for one invocation.
type UsageCost struct {
	PromptTokens     int
	CompletionTokens int
	CostMicros       int64
}

// Add returns the element-wise sum of two usage snapshots.
func (u UsageCost) Add(o UsageCost) UsageCost {
	return UsageCost{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		CostMicros:       u.CostMicros + o.CostMicros,
	}
}

// FlowSession is one execution instance of a flow definition.
type FlowSession struct {
	ID string

	DefinitionName    string
	DefinitionVersion string

	// Graph is the definition snapshot taken at Start.
	Graph StepGraph

	Status        SessionStatus
	CurrentStepID string

	// StateVersion increments exactly once per status-affecting mutation.
	// Pollers compare it to detect change without re-reading events.
	StateVersion int64

	// CurrentMemoryVersion is the highest memory version appended across
	// all channels of this session.
	CurrentMemoryVersion int64

	LaunchParams  map[string]any
	SharedContext map[string]any
	Overrides     map[string]any

	// ChatSessionID optionally ties the flow to an external conversation.
	ChatSessionID string

	ErrorCode    string
	ErrorMessage string

	Usage UsageCost

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FlowStepExecution is one attempt-series of a step within a session.
// A retry increments Attempt on the same record; it never creates a new one.
type FlowStepExecution struct {
	ID        string
	SessionID string
	StepID    string

	Status StepStatus

	// Attempt is the authoritative attempt counter (starts at 1). Job
	// payloads carry a copy for observability but decisions are always
	// made from this field.
	Attempt int

	Input  map[string]any
	Output map[string]any

	Usage UsageCost

	ErrorCode    string
	ErrorMessage string

	StartedAt  time.Time
	FinishedAt time.Time
}

// JobPayload is the immutable body of a queue job.
type JobPayload struct {
	SessionID       string `json:"sessionId"`
	StepExecutionID string `json:"stepExecutionId"`
	StepID          string `json:"stepId"`
	Attempt         int    `json:"attempt"`
}

// FlowJob is a persisted work item. Workers claim jobs through the store's
// atomic LockNextPending; at most one worker holds an unexpired lease on a
// job at any time.
type FlowJob struct {
	ID              string
	SessionID       string
	StepExecutionID string

	Payload JobPayload

	Status     JobStatus
	RetryCount int

	// ScheduledAt is the earliest moment the job may be claimed; retry
	// backoff pushes it into the future.
	ScheduledAt time.Time

	// LockedBy / LockedAt describe the current lease. A lease older than
	// the store's staleness threshold is reclaimable.
	LockedBy string
	LockedAt time.Time

	EnqueuedAt time.Time
}
