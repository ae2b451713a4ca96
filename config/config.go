package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dcshock/resourcepipe/objstore"
	"github.com/dcshock/resourcepipe/pipeline"
	"gopkg.in/yaml.v3"
)

// PipelineConfig is the root structure for a pipeline definition (e.g. from YAML).
type PipelineConfig struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	// ResourceType tags every resource-run the pipeline records.
	ResourceType string `yaml:"resource_type"`
	Source       string `yaml:"source"` // optional: name of a source registered for BuildSource

	// Defaults are inherited by every stage that does not override them.
	Defaults        pipeline.StepOptions `yaml:"defaults"`
	FinalizeTimeout Duration             `yaml:"finalize_timeout"`
	Tracker         TrackerConfig        `yaml:"tracker"`
	Artifacts       ArtifactConfig       `yaml:"artifacts"`

	Stages []StageRef `yaml:"stages"`
}

// TrackerConfig mirrors progress.TrackerConfig with YAML durations.
type TrackerConfig struct {
	FlushSize     int      `yaml:"flush_size"`
	FinalAttempts int      `yaml:"final_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// ArtifactConfig mirrors artifact.BatcherConfig with YAML durations.
type ArtifactConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	MaxAttempts   int      `yaml:"max_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// StageRef is a single stage entry: either a plain name or name + options.
// In YAML, a stage can be written as:
//   - fetch
//   - name: parse
//     timeout: 60s
//     max_parallelism: 4
//     bounded_capacity: 100
//     track_progress: false
type StageRef struct {
	Name string `yaml:"name"`

	// Timeout bounds each invocation of the stage function (e.g. "60s").
	Timeout Duration `yaml:"timeout"`

	pipeline.StepOptions `yaml:",inline"`
}

// UnmarshalYAML allows a stage to be a string (stage name only) or a struct.
func (s *StageRef) UnmarshalYAML(value *yaml.Node) error {
	var nameOnly string
	if err := value.Decode(&nameOnly); err == nil {
		s.Name = nameOnly
		return nil
	}
	type raw StageRef
	return value.Decode((*raw)(s))
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParsePipelineConfig parses YAML bytes into a single PipelineConfig.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StorageConfig locates the backends that progress and artifacts are written to.
// Empty fields disable the corresponding backend.
type StorageConfig struct {
	DatabaseURL string          `yaml:"database_url"`
	PoolSize    int             `yaml:"pool_size"`
	ObjectStore objstore.Config `yaml:"object_store"`
	SQLitePath  string          `yaml:"sqlite_path"`
}

// MultiPipelineConfig is the root structure for a file that defines multiple pipelines.
// Top-level key is "pipelines"; each value is a pipeline definition. The
// optional "storage" key configures shared backends.
type MultiPipelineConfig struct {
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`
	Storage   StorageConfig             `yaml:"storage"`
}

// ParseMultiPipelineConfig parses YAML bytes that contain a "pipelines" map from name to pipeline config.
// Example YAML:
//
//	storage:
//	  database_url: postgres://localhost:5432/pipes
//	pipelines:
//	  ingest:
//	    resource_type: document
//	    stages: [fetch, parse]
//	  notify:
//	    resource_type: message
//	    stages: [validate, send]
func ParseMultiPipelineConfig(data []byte) (*MultiPipelineConfig, error) {
	var cfg MultiPipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses a multi-pipeline YAML file.
func LoadFile(path string) (*MultiPipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseMultiPipelineConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Pipeline returns the named pipeline. An empty Name is filled from the map key.
func (m *MultiPipelineConfig) Pipeline(name string) (*PipelineConfig, error) {
	if m == nil {
		return nil, fmt.Errorf("MultiPipelineConfig is nil")
	}
	cfg, ok := m.Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %q not configured", name)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	return &cfg, nil
}
