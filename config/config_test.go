package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dcshock/resourcepipe/pipeline"
	"github.com/dcshock/resourcepipe/progress"
	"gopkg.in/yaml.v3"
)

func TestRegistry_RegisterGet(t *testing.T) {
	reg := NewRegistry[pipeline.TransformFunc[int, int]]()
	reg.Register("id", pipeline.Identity[int]())
	s, ok := reg.Get("id")
	if !ok || s == nil {
		t.Fatal("Get(id) should return stage")
	}
	_, ok = reg.Get("missing")
	if ok {
		t.Error("Get(missing) should return false")
	}
}

func TestRegistry_MustGet_Panic(t *testing.T) {
	reg := NewRegistry[int]()
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustGet missing should panic")
		}
	}()
	reg.MustGet("nope")
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry[int]()
	reg.Register("b", 2)
	reg.Register("a", 1)
	reg.Register("c", 3)
	if got := strings.Join(reg.Names(), ","); got != "a,b,c" {
		t.Errorf("names: got %q", got)
	}
}

func TestParsePipelineConfig_Simple(t *testing.T) {
	yaml := `
name: test-pipeline
resource_type: doc
stages:
  - fetch
  - parse
  - validate
`
	cfg, err := ParsePipelineConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "test-pipeline" || cfg.ResourceType != "doc" {
		t.Errorf("name/resource_type: got %q %q", cfg.Name, cfg.ResourceType)
	}
	if len(cfg.Stages) != 3 {
		t.Fatalf("stages: got %d", len(cfg.Stages))
	}
	if cfg.Stages[0].Name != "fetch" || cfg.Stages[1].Name != "parse" || cfg.Stages[2].Name != "validate" {
		t.Errorf("stage names: %v", cfg.Stages)
	}
}

func TestParsePipelineConfig_WithOptions(t *testing.T) {
	yaml := `
name: with-options
resource_type: doc
finalize_timeout: 45s
defaults:
  max_parallelism: 8
  bounded_capacity: 100
tracker:
  flush_size: 25
  retry_backoff: 50ms
artifacts:
  batch_size: 10
  flush_interval: 2s
stages:
  - fetch
  - name: parse
    timeout: 60s
    max_parallelism: 2
    track_progress: false
  - validate
`
	cfg, err := ParsePipelineConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Stages) != 3 {
		t.Fatalf("stages: got %d", len(cfg.Stages))
	}
	s1 := cfg.Stages[1]
	if s1.Name != "parse" || s1.MaxDegreeOfParallelism != 2 || s1.EnableProgressTracking == nil || *s1.EnableProgressTracking {
		t.Errorf("stage 1: %+v", s1)
	}
	if s1.Timeout.Duration() != 60*time.Second {
		t.Errorf("timeout: %v", s1.Timeout)
	}
	if cfg.Stages[0].EnableProgressTracking != nil {
		t.Error("plain stage name should leave tracking unset")
	}
	if cfg.Defaults.MaxDegreeOfParallelism != 8 || cfg.Defaults.BoundedCapacity != 100 {
		t.Errorf("defaults: %+v", cfg.Defaults)
	}

	tc := cfg.TrackerConfig()
	if tc.FlushSize != 25 || tc.RetryBackoff != 50*time.Millisecond {
		t.Errorf("tracker: %+v", tc)
	}
	bc := cfg.BatcherConfig()
	if bc.BatchSize != 10 || bc.FlushInterval != 2*time.Second || bc.MaxAttempts != 0 {
		t.Errorf("batcher: %+v", bc)
	}
}

func TestMultiPipelineConfig_Pipeline(t *testing.T) {
	yaml := `
storage:
  database_url: postgres://localhost/pipes
  pool_size: 2
  object_store:
    bucket: things
pipelines:
  ingest:
    resource_type: doc
    stages: [fetch, parse]
`
	multi, err := ParseMultiPipelineConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if multi.Storage.DatabaseURL != "postgres://localhost/pipes" || multi.Storage.PoolSize != 2 || multi.Storage.ObjectStore.Bucket != "things" {
		t.Errorf("storage: %+v", multi.Storage)
	}
	p, err := multi.Pipeline("ingest")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "ingest" {
		t.Errorf("name should default to map key, got %q", p.Name)
	}
	if _, err := multi.Pipeline("missing"); err == nil {
		t.Error("expected error for unknown pipeline")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PipelineConfig
		want string
	}{
		{"resource type", PipelineConfig{Name: "x"}, "resource_type required"},
		{"empty stage", PipelineConfig{ResourceType: "r", Stages: []StageRef{{}}}, "name required"},
		{"duplicate", PipelineConfig{ResourceType: "r", Stages: []StageRef{{Name: "a"}, {Name: "a"}}}, "already used"},
		{"timeout", PipelineConfig{ResourceType: "r", Stages: []StageRef{{Name: "a", Timeout: Duration(-1)}}}, "negative timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestBuildChain_RunsConfiguredStages(t *testing.T) {
	reg := NewRegistry[pipeline.TransformFunc[int, int]]()
	reg.Register("double", func(ctx context.Context, n int) (int, error) { return n * 2, nil })
	reg.Register("inc", func(ctx context.Context, n int) (int, error) { return n + 1, nil })
	sources := NewRegistry[pipeline.Source[int]]()
	sources.Register("numbers", pipeline.FromSlice([]int{1, 2, 3}))

	cfg := &PipelineConfig{
		Name:         "math",
		ResourceType: "number",
		Source:       "numbers",
		Stages:       []StageRef{{Name: "double"}, {Name: "inc", StepOptions: pipeline.Parallel(1)}},
	}
	pctx, err := cfg.ContextBuilder().Build()
	if err != nil {
		t.Fatal(err)
	}
	if pctx.Name() != "math" {
		t.Errorf("context name: %q", pctx.Name())
	}
	src, err := BuildSource(sources, cfg)
	if err != nil {
		t.Fatal(err)
	}
	stages := pipeline.New(pctx, func(n int) string { return string(rune('a' + n)) }).WithSource(src).Stages()
	chain, err := BuildChain(stages, reg, cfg)
	if err != nil {
		t.Fatal(err)
	}

	var sum int
	res, err := chain.Action("sum", func(ctx context.Context, n int) error {
		sum += n
		return nil
	}, pipeline.Parallel(1)).Complete(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum != 15 {
		t.Errorf("expected 3+5+7=15, got %d", sum)
	}
	if res.Status != progress.RunStatusCompleted || res.Snapshot.Completed != 3 {
		t.Errorf("result: %+v", res)
	}
}

func TestBuildChain_Timeout(t *testing.T) {
	reg := NewRegistry[pipeline.TransformFunc[int, int]]()
	reg.Register("slow", func(ctx context.Context, n int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	cfg := &PipelineConfig{
		ResourceType: "number",
		Stages:       []StageRef{{Name: "slow", Timeout: Duration(10 * time.Millisecond)}},
	}
	pctx, err := cfg.ContextBuilder().Build()
	if err != nil {
		t.Fatal(err)
	}
	stages := pipeline.New(pctx, func(n int) string { return "n" }).WithSource(pipeline.FromSlice([]int{1})).Stages()
	chain, err := BuildChain(stages, reg, cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := chain.Complete(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Snapshot.Failed != 1 {
		t.Errorf("expected the timed out item to fail, got %+v", res.Snapshot)
	}
}

func TestBuildChain_UnknownStage(t *testing.T) {
	reg := NewRegistry[pipeline.TransformFunc[int, int]]()
	reg.Register("a", pipeline.Identity[int]())
	cfg := &PipelineConfig{Name: "x", ResourceType: "n", Stages: []StageRef{{Name: "a"}, {Name: "not-registered"}}}
	pctx, err := cfg.ContextBuilder().Build()
	if err != nil {
		t.Fatal(err)
	}
	_, err = BuildChain(pipeline.New(pctx, func(n int) string { return "" }).Stages(), reg, cfg)
	if err == nil || !strings.Contains(err.Error(), "not-registered") {
		t.Fatalf("expected error for unknown stage, got %v", err)
	}
}

func TestBuildSource(t *testing.T) {
	src, err := BuildSource[int](nil, &PipelineConfig{})
	if err != nil || src != nil {
		t.Errorf("no source configured: got %v, %v", src, err)
	}
	_, err = BuildSource(NewRegistry[pipeline.Source[int]](), &PipelineConfig{Source: "gone"})
	if err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestContextBuilder_RequiresResourceType(t *testing.T) {
	_, err := (&PipelineConfig{Name: "x"}).ContextBuilder().Build()
	if !errors.Is(err, pipeline.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestStorageConfig_ApplyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("RESOURCEPIPE_DB_POOL_SIZE", "7")
	t.Setenv("RESOURCEPIPE_MINIO_ACCESS_KEY", "ak")
	t.Setenv("RESOURCEPIPE_MINIO_SECRET_KEY", "sk")

	s, err := StorageConfig{DatabaseURL: "postgres://file/db", SQLitePath: "a.db"}.ApplyEnv()
	if err != nil {
		t.Fatal(err)
	}
	if s.DatabaseURL != "postgres://env/db" || s.PoolSize != 7 || s.SQLitePath != "a.db" {
		t.Errorf("storage: %+v", s)
	}
	if !s.ObjectStoreEnabled() {
		t.Error("object store should be enabled with credentials")
	}

	t.Setenv("RESOURCEPIPE_DB_POOL_SIZE", "many")
	if _, err := (StorageConfig{}).ApplyEnv(); err == nil {
		t.Error("expected error for invalid pool size")
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	data := []byte("initial: 30s")
	var s struct {
		Initial Duration `yaml:"initial"`
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if s.Initial.Duration() != 30*time.Second {
		t.Errorf("got %v", s.Initial.Duration())
	}
	if err := yaml.Unmarshal([]byte("initial: soon"), &s); err == nil {
		t.Error("expected error for invalid duration")
	}
}
