package stepflow

import (
	"fmt"

	"github.com/petrijr/stepflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining flow graphs:
//
//	flow := stepflow.NewFlow("PlanTrip", "1").
//	    Step("plan", "planner-agent").
//	        Prompt("Plan a trip to {{city}}").
//	        OnSuccess("book").
//	        Done().
//	    Step("book", "booking-agent").
//	        RequireApproval().
//	        CompleteOnSuccess().
//	        Done().
//	    Start("plan")
//
//	if err := flow.Register(orch); err != nil {
//	    log.Fatal(err)
//	}
type FlowBuilder struct {
	def api.FlowDefinition
}

// NewFlow creates a flow definition builder with the given name and version.
// An empty version defaults to "1" at registration.
func NewFlow(name, version string) *FlowBuilder {
	return &FlowBuilder{
		def: api.FlowDefinition{
			Name:    name,
			Version: version,
			Status:  api.DefinitionDraft,
			Steps:   make(map[string]api.StepConfig),
		},
	}
}

// Name returns the flow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying FlowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() FlowDefinition {
	return b.def
}

// Start sets the entry step of the graph.
func (b *FlowBuilder) Start(stepID string) *FlowBuilder {
	b.def.StartStepID = stepID
	return b
}

// Step opens a StepBuilder for one step of the graph. The first step added
// becomes the start step unless Start overrides it.
func (b *FlowBuilder) Step(id, agentRef string) *StepBuilder {
	if id == "" {
		panic("stepflow: step ID must not be empty")
	}
	if b.def.StartStepID == "" {
		b.def.StartStepID = id
	}
	return &StepBuilder{
		flow: b,
		step: api.StepConfig{ID: id, AgentRef: agentRef},
	}
}

// Register registers the built flow with the given orchestrator.
func (b *FlowBuilder) Register(orch Orchestrator) error {
	return orch.RegisterDefinition(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(orch Orchestrator) {
	if err := b.Register(orch); err != nil {
		panic(err)
	}
}

// RegisterAndPublish registers the flow and immediately publishes it, so
// Start picks it up without an explicit version.
func (b *FlowBuilder) RegisterAndPublish(orch Orchestrator) error {
	if err := b.Register(orch); err != nil {
		return err
	}
	version := b.def.Version
	if version == "" {
		version = "1"
	}
	return orch.PublishDefinition(b.def.Name, version)
}

// StepBuilder configures one step; Done folds it back into the flow.
type StepBuilder struct {
	flow *FlowBuilder
	step api.StepConfig
}

// Prompt sets the step's prompt template, passed to the agent untouched.
func (s *StepBuilder) Prompt(template string) *StepBuilder {
	s.step.PromptTemplate = template
	return s
}

// MapInput binds an invocation parameter to a JSONPath expression over the
// merged context, e.g. MapInput("city", "$.trip.city").
func (s *StepBuilder) MapInput(param, path string) *StepBuilder {
	if s.step.InputMappings == nil {
		s.step.InputMappings = make(map[string]string)
	}
	s.step.InputMappings[param] = path
	return s
}

// ReadsMemory declares channels whose compacted view is merged into the
// step's invocation context.
func (s *StepBuilder) ReadsMemory(channels ...string) *StepBuilder {
	s.step.MemoryReads = append(s.step.MemoryReads, channels...)
	return s
}

// WritesMemory declares channels the step's agent may append to.
func (s *StepBuilder) WritesMemory(channels ...string) *StepBuilder {
	s.step.MemoryWrites = append(s.step.MemoryWrites, channels...)
	return s
}

// OnSuccess routes to the given step after a successful invocation.
func (s *StepBuilder) OnSuccess(nextStepID string) *StepBuilder {
	s.step.OnSuccess = api.Transition{NextStepID: nextStepID}
	return s
}

// CompleteOnSuccess marks the session COMPLETED after this step succeeds.
func (s *StepBuilder) CompleteOnSuccess() *StepBuilder {
	s.step.OnSuccess = api.Transition{Complete: true}
	return s
}

// OnFailure routes to the given step once retries are exhausted.
func (s *StepBuilder) OnFailure(nextStepID string) *StepBuilder {
	s.step.OnFailure = api.Transition{NextStepID: nextStepID}
	return s
}

// Retry sets the step's retry policy.
func (s *StepBuilder) Retry(policy RetryPolicy) *StepBuilder {
	// Copy so callers can mutate their policy after the call without
	// affecting the stored definition.
	p := policy
	s.step.Retry = &p
	return s
}

// RequireApproval gates the step behind a human approval request.
func (s *StepBuilder) RequireApproval() *StepBuilder {
	s.step.Interaction = &api.InteractionConfig{Type: api.InteractionApproval}
	return s
}

// RequireInput gates the step behind a user-input request whose payload is
// validated against schema. A nil schema accepts any payload.
func (s *StepBuilder) RequireInput(schema map[string]any) *StepBuilder {
	s.step.Interaction = &api.InteractionConfig{
		Type:          api.InteractionInput,
		PayloadSchema: schema,
	}
	return s
}

// Interaction sets the full interaction config for callers that need
// timeouts or suggested actions.
func (s *StepBuilder) Interaction(cfg InteractionConfig) *StepBuilder {
	c := cfg
	s.step.Interaction = &c
	return s
}

// Done folds the step into the flow and returns the FlowBuilder.
func (s *StepBuilder) Done() *FlowBuilder {
	if _, exists := s.flow.def.Steps[s.step.ID]; exists {
		panic(fmt.Sprintf("stepflow: duplicate step %q", s.step.ID))
	}
	s.flow.def.Steps[s.step.ID] = s.step
	return s.flow
}
