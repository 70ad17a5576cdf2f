// Package stepflow provides a durable orchestration engine for multi-step
// agent flows.
//
// Stepflow is designed for backend services that delegate work to external
// agents (LLMs, tools, other services) through long-lived, recoverable
// sessions: each step of a flow is an agent invocation, and the engine owns
// everything around it — routing, retries, human approval gates, versioned
// session memory, and a durable job queue — without heavy infrastructure.
//
// # Core Concepts
//
// The stepflow programming model is intentionally small:
//
//  1. Orchestrator
//  2. Worker
//  3. FlowBuilder
//  4. AgentInvoker
//  5. LocalRunner
//
// # Orchestrator
//
// The Orchestrator stores flow definitions, creates sessions, persists all
// session state, and provides APIs to:
//   - register and publish flow definitions
//   - start sessions
//   - pause, resume and cancel sessions
//   - deliver human responses to interaction gates
//   - read session state and the append-only event history
//
// Orchestrators can be backed by in-memory stores (non-durable, best for
// tests) or SQLite (embedded durability). State never lives in process
// memory between commands, so any number of processes may share one store.
//
// # Worker
//
// A Worker claims jobs from the orchestrator's persisted queue under a
// lease and drives each claimed step to its next stable state. Workers run
// asynchronously and can be scaled horizontally; the lease protocol
// guarantees each job is processed by one worker at a time, and leases left
// behind by crashed workers age out and are reclaimed.
//
// # FlowBuilder
//
// FlowBuilder provides the declarative API used to define flow graphs:
// steps bound to agents, success/failure transitions, retry policies,
// memory channel access and human interaction gates.
//
// Example:
//
//	stepflow.NewFlow("PlanTrip", "1").
//	    Step("plan", "planner-agent").
//	        Prompt("Plan a trip").
//	        OnSuccess("book").
//	        Done().
//	    Step("book", "booking-agent").
//	        RequireApproval().
//	        CompleteOnSuccess().
//	        Done()
//
// Definitions are registered and published on an Orchestrator before use;
// published definitions are immutable, and running sessions keep a snapshot
// of the graph they started with.
//
// # AgentInvoker
//
// AgentInvoker is the single collaborator the engine calls out to:
//
//	type AgentInvoker interface {
//	    Invoke(ctx context.Context, req InvocationRequest) (*InvocationResult, error)
//	}
//
// The engine builds the invocation context (launch parameters, shared
// context, prior step output, memory reads, resolved input mappings,
// interaction responses), applies the step's retry policy around failures,
// and records token usage and cost from each result.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory orchestrator and worker into a single
// process-local helper for development and unit testing. It is
// intentionally not crash-durable; use NewSQLiteBundle for that.
//
// For examples, see the /examples directory.
package stepflow
