package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// registry manages flow definitions on top of the definition store and
// enforces publication immutability: once a name+version is PUBLISHED it can
// never be re-registered or modified.
type registry struct {
	store  persistence.DefinitionStore
	parser api.DefinitionParser
}

func newRegistry(store persistence.DefinitionStore, parser api.DefinitionParser) *registry {
	if parser == nil {
		parser = defaultParser{}
	}
	return &registry{store: store, parser: parser}
}

func (r *registry) Register(ctx context.Context, def api.FlowDefinition) error {
	if def.Name == "" {
		return errors.New("definition name is required")
	}
	if def.Version == "" {
		def.Version = "1"
	}
	if def.Status == "" {
		def.Status = api.DefinitionDraft
	}
	if _, err := r.parser.Parse(def); err != nil {
		return err
	}

	existing, err := r.store.GetDefinition(ctx, def.Name, def.Version)
	if err != nil && !errors.Is(err, persistence.ErrDefinitionNotFound) {
		return err
	}
	if err == nil && existing.Status == api.DefinitionPublished {
		return fmt.Errorf("definition %s/%s: %w", def.Name, def.Version, api.ErrDefinitionPublished)
	}

	return r.store.SaveDefinition(ctx, def)
}

func (r *registry) Publish(ctx context.Context, name, version string) error {
	def, err := r.store.GetDefinition(ctx, name, version)
	if err != nil {
		return err
	}
	if def.Status == api.DefinitionPublished {
		return nil
	}
	def.Status = api.DefinitionPublished
	return r.store.SaveDefinition(ctx, def)
}

// Resolve picks the definition a new session starts from and returns its
// parsed graph. Empty version means the latest published version; an explicit
// version may reference a draft, which is useful before publishing.
func (r *registry) Resolve(ctx context.Context, name, version string) (api.FlowDefinition, api.StepGraph, error) {
	var (
		def api.FlowDefinition
		err error
	)
	if version == "" {
		def, err = r.store.LatestPublished(ctx, name)
	} else {
		def, err = r.store.GetDefinition(ctx, name, version)
	}
	if err != nil {
		return api.FlowDefinition{}, api.StepGraph{}, err
	}

	graph, err := r.parser.Parse(def)
	if err != nil {
		return api.FlowDefinition{}, api.StepGraph{}, err
	}
	return def, graph, nil
}

// defaultParser validates a definition's step graph structurally: the start
// step must exist, every transition target must exist, step IDs must be
// consistent with their map keys, and retry policies must allow at least one
// attempt.
type defaultParser struct{}

var _ api.DefinitionParser = defaultParser{}

func (defaultParser) Parse(def api.FlowDefinition) (api.StepGraph, error) {
	if len(def.Steps) == 0 {
		return api.StepGraph{}, &api.StructuralError{Reason: "definition has no steps"}
	}
	if def.StartStepID == "" {
		return api.StepGraph{}, &api.StructuralError{Reason: "definition has no start step"}
	}
	if _, ok := def.Steps[def.StartStepID]; !ok {
		return api.StepGraph{}, &api.StructuralError{
			Reason: fmt.Sprintf("start step %q not in graph", def.StartStepID),
		}
	}

	steps := make(map[string]api.StepConfig, len(def.Steps))
	for id, step := range def.Steps {
		if step.ID == "" {
			step.ID = id
		}
		if step.ID != id {
			return api.StepGraph{}, &api.StructuralError{
				StepID: id,
				Reason: fmt.Sprintf("step ID %q does not match its key", step.ID),
			}
		}
		for _, target := range []string{step.OnSuccess.NextStepID, step.OnFailure.NextStepID} {
			if target == "" {
				continue
			}
			if _, ok := def.Steps[target]; !ok {
				return api.StepGraph{}, &api.StructuralError{
					StepID: id,
					Reason: fmt.Sprintf("transition targets unknown step %q", target),
				}
			}
		}
		if step.Retry != nil && step.Retry.MaxAttempts < 1 {
			return api.StepGraph{}, &api.StructuralError{
				StepID: id,
				Reason: fmt.Sprintf("retry policy requires MaxAttempts >= 1, got %d", step.Retry.MaxAttempts),
			}
		}
		steps[id] = step
	}

	return api.StepGraph{StartStepID: def.StartStepID, Steps: steps}, nil
}
