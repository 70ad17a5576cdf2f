package api

import "context"

// InvocationRequest is everything the engine hands to the agent collaborator
// for one step attempt.
type InvocationRequest struct {
	SessionID string
	StepID    string
	AgentRef  string

	// Prompt is the step's prompt template, passed through untouched.
	Prompt string

	// Context is the merged invocation context: launch parameters, shared
	// context, prior step output, memory reads, resolved input mappings
	// and, for gated steps, the interaction response.
	Context map[string]any

	// Overrides are session-level parameter overrides.
	Overrides map[string]any
}

// InvocationResult is what a successful agent invocation produces.
type InvocationResult struct {
	Content string

	Usage UsageCost

	// MemoryUpdates maps channel name to data the engine should append as
	// a new memory version. Channels the step does not declare in
	// MemoryWrites are dropped.
	MemoryUpdates map[string]map[string]any

	// SelectedToolCodes lists the tools the agent chose, for audit.
	SelectedToolCodes []string
}

// AgentInvoker is the external agent/LLM collaborator. The engine calls it
// synchronously and applies its own retry policy around failures; it imposes
// no timeout beyond what the invoker enforces itself.
type AgentInvoker interface {
	Invoke(ctx context.Context, req InvocationRequest) (*InvocationResult, error)
}

// AgentInvokerFunc adapts a function to the AgentInvoker interface.
type AgentInvokerFunc func(ctx context.Context, req InvocationRequest) (*InvocationResult, error)

func (f AgentInvokerFunc) Invoke(ctx context.Context, req InvocationRequest) (*InvocationResult, error) {
	return f(ctx, req)
}

// DefinitionParser turns a stored flow definition into a validated step
// graph. The engine ships a default parser; external blueprint/DSL formats
// plug in here.
type DefinitionParser interface {
	Parse(def FlowDefinition) (StepGraph, error)
}
