package config

import (
	"fmt"
	"strings"

	"github.com/dcshock/resourcepipe/artifact"
	"github.com/dcshock/resourcepipe/pipeline"
	"github.com/dcshock/resourcepipe/progress"
)

// Validate checks the fields every pipeline needs.
func (c *PipelineConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.ResourceType) == "" {
		return fmt.Errorf("pipeline %q: resource_type required", c.Name)
	}
	seen := make(map[string]int, len(c.Stages))
	for i, ref := range c.Stages {
		if ref.Name == "" {
			return fmt.Errorf("stage %d: name required", i)
		}
		if j, dup := seen[ref.Name]; dup {
			return fmt.Errorf("stage %d: %q already used by stage %d", i, ref.Name, j)
		}
		seen[ref.Name] = i
		if ref.Timeout < 0 {
			return fmt.Errorf("stage %d (%q): negative timeout", i, ref.Name)
		}
	}
	return nil
}

// ContextBuilder returns a pipeline.ContextBuilder carrying the pipeline's
// identity, default stage options, tracker tuning and finalize timeout. The
// caller adds the progress service, batcher and run type.
func (c *PipelineConfig) ContextBuilder() *pipeline.ContextBuilder {
	b := pipeline.NewContextBuilder(c.ResourceType).
		WithCategory(c.Category).
		WithName(c.Name).
		WithDefaultOptions(c.Defaults).
		WithTrackerConfig(c.TrackerConfig())
	if c.FinalizeTimeout > 0 {
		b.WithFinalizeTimeout(c.FinalizeTimeout.Duration())
	}
	return b
}

// TrackerConfig converts the tracker section. Zero values keep the tracker defaults.
func (c *PipelineConfig) TrackerConfig() progress.TrackerConfig {
	return progress.TrackerConfig{
		FlushSize:     c.Tracker.FlushSize,
		FinalAttempts: c.Tracker.FinalAttempts,
		RetryBackoff:  c.Tracker.RetryBackoff.Duration(),
	}
}

// BatcherConfig converts the artifacts section. Zero values keep the batcher defaults.
func (c *PipelineConfig) BatcherConfig() artifact.BatcherConfig {
	return artifact.BatcherConfig{
		BatchSize:     c.Artifacts.BatchSize,
		FlushInterval: c.Artifacts.FlushInterval.Duration(),
		MaxAttempts:   c.Artifacts.MaxAttempts,
		RetryBackoff:  c.Artifacts.RetryBackoff.Duration(),
	}
}

// BuildChain appends one Transform per configured stage to s, in order. Stage
// names in config must be registered in reg. A stage timeout wraps the
// registered function with pipeline.WithTimeout.
func BuildChain[T any](s *pipeline.Stage[T], reg *Registry[pipeline.TransformFunc[T, T]], cfg *PipelineConfig) (*pipeline.Stage[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("stage registry is nil")
	}
	for i, ref := range cfg.Stages {
		fn, ok := reg.Get(ref.Name)
		if !ok {
			return nil, fmt.Errorf("stage %d: %q not in registry", i, ref.Name)
		}
		if ref.Timeout > 0 {
			fn = pipeline.WithTimeout(fn, ref.Timeout.Duration())
		}
		s = pipeline.Transform(s, ref.Name, fn, ref.StepOptions)
	}
	return s, nil
}

// BuildSource looks up cfg.Source in reg. It returns nil and no error when the
// pipeline names no source, leaving the caller to attach one.
func BuildSource[T any](reg *Registry[pipeline.Source[T]], cfg *PipelineConfig) (pipeline.Source[T], error) {
	if cfg == nil || cfg.Source == "" {
		return nil, nil
	}
	if reg == nil {
		return nil, fmt.Errorf("source %q configured but no source registry", cfg.Source)
	}
	src, ok := reg.Get(cfg.Source)
	if !ok {
		return nil, fmt.Errorf("source %q not in registry", cfg.Source)
	}
	return src, nil
}
