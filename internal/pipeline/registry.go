// Package pipeline builds an executable feathermail.Pipeline from a
// config.PipelineSpec: a closed, compile-time registry maps each
// adapter_kind string to a factory, and Build resolves, constructs, and
// orders the stages exactly as the spec lists them.
package pipeline

import (
	"fmt"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/config"
)

// Factory constructs an Adapter from a stage's raw opts node.
type Factory func(stage config.StageSpec) (feathermail.Adapter, error)

// Registry is a closed mapping from adapter_kind to Factory. Create one with
// NewRegistry: the zero value has no factory map, so Register panics on it.
// Register is not safe for concurrent use with Build, so all registration
// should happen during init.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given adapter_kind. It panics if kind is
// already registered, since the registry is meant to be assembled once at
// program startup from a fixed set of known stages.
func (r *Registry) Register(kind string, factory Factory) {
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("pipeline: adapter kind %q already registered", kind))
	}
	r.factories[kind] = factory
}

// Known reports whether kind has a registered factory.
func (r *Registry) Known(kind string) bool {
	_, ok := r.factories[kind]
	return ok
}

// Validate checks that every stage in spec names a known adapter_kind,
// without constructing any stage. Used by the config loader before
// publishing a hot-reloaded spec.
func (r *Registry) Validate(spec *config.PipelineSpec) error {
	for i, stage := range spec.Stages {
		if !r.Known(stage.Kind) {
			return fmt.Errorf("pipeline: stage %d: unknown adapter_kind %q", i, stage.Kind)
		}
	}
	return nil
}

// BuildOne resolves a single stage spec to a constructed Adapter, without
// requiring it be part of a full PipelineSpec. Used by stages that nest
// other stage specs inside their own opts, such as by_domain's per-domain
// routes.
func (r *Registry) BuildOne(stage config.StageSpec) (feathermail.Adapter, error) {
	factory, ok := r.factories[stage.Kind]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown adapter_kind %q", stage.Kind)
	}
	return factory(stage)
}

// Build resolves every stage in spec to a constructed Adapter, in order, and
// returns the assembled feathermail.Pipeline.
func (r *Registry) Build(spec *config.PipelineSpec) (*feathermail.Pipeline, error) {
	stages := make([]feathermail.Adapter, 0, len(spec.Stages))
	for i, stageSpec := range spec.Stages {
		factory, ok := r.factories[stageSpec.Kind]
		if !ok {
			return nil, fmt.Errorf("pipeline: stage %d: unknown adapter_kind %q", i, stageSpec.Kind)
		}
		stage, err := factory(stageSpec)
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage %d (%s): %w", i, stageSpec.Kind, err)
		}
		stages = append(stages, stage)
	}
	return feathermail.NewPipeline(stages...), nil
}
