package pipeline

// Unbounded explicitly requests no limit for MaxDegreeOfParallelism or
// BoundedCapacity, overriding a bounded context default.
const Unbounded = -1

// StepOptions is the execution policy of one stage. Zero fields inherit the
// context's default options; when those are zero as well, parallelism and
// capacity are unbounded and tracking is on.
type StepOptions struct {
	// MaxDegreeOfParallelism caps concurrent invocations of the stage function.
	MaxDegreeOfParallelism int `yaml:"max_parallelism" json:"max_parallelism"`
	// BoundedCapacity caps how many items may wait in the stage's input queue.
	// A full queue blocks the upstream stage. Without a parallelism limit it
	// also caps the stage's concurrent invocations.
	BoundedCapacity int `yaml:"bounded_capacity" json:"bounded_capacity"`
	// EnableProgressTracking controls whether the stage records step progress.
	EnableProgressTracking *bool `yaml:"track_progress" json:"track_progress"`
}

// Bool returns a pointer to b, for EnableProgressTracking.
func Bool(b bool) *bool { return &b }

// Parallel is shorthand for StepOptions{MaxDegreeOfParallelism: n}.
func Parallel(n int) StepOptions { return StepOptions{MaxDegreeOfParallelism: n} }

// Capacity is shorthand for StepOptions{BoundedCapacity: n}.
func Capacity(n int) StepOptions { return StepOptions{BoundedCapacity: n} }

// clone returns a copy that shares no memory with o.
func (o StepOptions) clone() StepOptions {
	if o.EnableProgressTracking != nil {
		o.EnableProgressTracking = Bool(*o.EnableProgressTracking)
	}
	return o
}

// merge overlays the set fields of next onto o.
func (o StepOptions) merge(next StepOptions) StepOptions {
	if next.MaxDegreeOfParallelism != 0 {
		o.MaxDegreeOfParallelism = next.MaxDegreeOfParallelism
	}
	if next.BoundedCapacity != 0 {
		o.BoundedCapacity = next.BoundedCapacity
	}
	if next.EnableProgressTracking != nil {
		o.EnableProgressTracking = Bool(*next.EnableProgressTracking)
	}
	return o
}

// resolvedOptions is StepOptions after inheritance: zero or negative limits
// mean unbounded.
type resolvedOptions struct {
	parallelism int
	capacity    int
	tracking    bool
}

func resolve(defaults StepOptions, stage []StepOptions) resolvedOptions {
	o := defaults.clone()
	for _, s := range stage {
		o = o.merge(s)
	}
	r := resolvedOptions{
		parallelism: o.MaxDegreeOfParallelism,
		capacity:    o.BoundedCapacity,
		tracking:    true,
	}
	if r.parallelism < 0 {
		r.parallelism = 0
	}
	if r.capacity < 0 {
		r.capacity = 0
	}
	if o.EnableProgressTracking != nil {
		r.tracking = *o.EnableProgressTracking
	}
	return r
}
