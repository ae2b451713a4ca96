package pipeline

import (
	"context"
	"testing"

	"github.com/dcshock/resourcepipe/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextBuilder_Defaults(t *testing.T) {
	pctx, err := NewContextBuilder("doc").Build()
	require.NoError(t, err)

	assert.NotEmpty(t, pctx.RunID())
	assert.Equal(t, progress.RunTypeFresh, pctx.RunType())
	assert.NotNil(t, pctx.Cancellation())
	assert.NotNil(t, pctx.ResourceRunCache())
	assert.NotNil(t, pctx.Logger())
	assert.Nil(t, pctx.Progress())
	assert.Nil(t, pctx.ArtifactBatcher())
	assert.Equal(t, DefaultFinalizeTimeout, pctx.finalizeTimeout)
}

func TestContextBuilder_RequiresResourceType(t *testing.T) {
	_, err := NewContextBuilder("").Build()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestContextBuilder_RetryValidation(t *testing.T) {
	svc := progress.NewMemoryService()

	_, err := NewContextBuilder("doc").WithRunType(progress.RunTypeRetry).WithProgress(svc).Build()
	assert.ErrorIs(t, err, ErrConfiguration, "missing parent")

	_, err = NewContextBuilder("doc").WithRunType(progress.RunTypeRetry).WithParentRunID("p").Build()
	assert.ErrorIs(t, err, ErrConfiguration, "missing progress service")

	pctx, err := NewContextBuilder("doc").WithRunType(progress.RunTypeRetry).WithParentRunID("p").WithProgress(svc).Build()
	require.NoError(t, err)
	assert.Equal(t, "p", pctx.ParentRunID())
}

func TestContextBuilder_ProgressFactory(t *testing.T) {
	svc := progress.NewMemoryService()
	var got context.Context
	cancel, stop := context.WithCancel(context.Background())
	defer stop()

	pctx, err := NewContextBuilder("doc").
		WithCancellation(cancel).
		WithProgressFactory(func(ctx context.Context) (progress.Service, error) {
			got = ctx
			return svc, nil
		}).Build()
	require.NoError(t, err)
	assert.Same(t, svc, pctx.Progress())
	assert.Equal(t, cancel, got)
}

func TestContextBuilder_DefaultOptionsAreSnapshotted(t *testing.T) {
	tracking := true
	opts := StepOptions{MaxDegreeOfParallelism: 4, EnableProgressTracking: &tracking}
	b := NewContextBuilder("doc").WithDefaultOptions(opts)

	opts.MaxDegreeOfParallelism = 99
	tracking = false
	pctx, err := b.Build()
	require.NoError(t, err)

	got := pctx.DefaultOptions()
	assert.Equal(t, 4, got.MaxDegreeOfParallelism)
	require.NotNil(t, got.EnableProgressTracking)
	assert.True(t, *got.EnableProgressTracking)

	*got.EnableProgressTracking = false
	assert.True(t, *pctx.DefaultOptions().EnableProgressTracking)
}

func TestContext_ClaimOnce(t *testing.T) {
	pctx, err := NewContextBuilder("doc").Build()
	require.NoError(t, err)
	assert.True(t, pctx.claim())
	assert.False(t, pctx.claim())
}

func TestResolveOptions(t *testing.T) {
	defaults := StepOptions{MaxDegreeOfParallelism: 4, BoundedCapacity: 10}

	tests := []struct {
		name  string
		stage []StepOptions
		want  resolvedOptions
	}{
		{"inherit", nil, resolvedOptions{parallelism: 4, capacity: 10, tracking: true}},
		{"override", []StepOptions{Parallel(1)}, resolvedOptions{parallelism: 1, capacity: 10, tracking: true}},
		{"unbounded", []StepOptions{{MaxDegreeOfParallelism: Unbounded, BoundedCapacity: Unbounded}}, resolvedOptions{tracking: true}},
		{"later wins", []StepOptions{Parallel(2), Parallel(3)}, resolvedOptions{parallelism: 3, capacity: 10, tracking: true}},
		{"tracking off", []StepOptions{{EnableProgressTracking: Bool(false)}}, resolvedOptions{parallelism: 4, capacity: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolve(defaults, tt.stage))
		})
	}
}

func TestPlan_NamesAndDuplicates(t *testing.T) {
	pctx, err := NewContextBuilder("doc").Build()
	require.NoError(t, err)
	b := New(pctx, func(s string) string { return s })
	a := Transform(b.Stages(), "", Identity[string]())
	c := Transform(a, "", Identity[string]())

	_, runners, err := plan(c.n, StepOptions{})
	require.NoError(t, err)
	require.Len(t, runners, 2)
	assert.Equal(t, "transform-1", runners[0].name)
	assert.Equal(t, "transform-2", runners[1].name)

	dup := Transform(Transform(b.Stages(), "x", Identity[string]()), "x", Identity[string]())
	_, _, err = plan(dup.n, StepOptions{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestBranchesFromOneHandleAreIndependent(t *testing.T) {
	pctx, err := NewContextBuilder("doc").Build()
	require.NoError(t, err)
	b := New(pctx, func(s string) string { return s })
	base := Transform(b.Stages(), "base", Identity[string]())
	left := Transform(base, "left", Identity[string]())
	right := Batch(base, "right", 2)

	_, l, err := plan(left.n, StepOptions{})
	require.NoError(t, err)
	_, r, err := plan(right.n, StepOptions{})
	require.NoError(t, err)
	assert.Equal(t, "left", l[1].name)
	assert.Equal(t, "right", r[1].name)
}
