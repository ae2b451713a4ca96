package progress

import "time"

// RunType distinguishes a run over the full source from one that resumes a parent run.
type RunType string

const (
	RunTypeFresh RunType = "Fresh"
	RunTypeRetry RunType = "Retry"
)

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "Running"
	RunStatusCompleted RunStatus = "Completed"
	RunStatusFailed    RunStatus = "Failed"
)

// Status is the state of a resource-run or of one of its steps.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether s is Completed or Failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is one execution of a pipeline over a resource collection.
type Run struct {
	ID          string     `json:"id" db:"run_id"`
	Category    string     `json:"category" db:"category"`
	Name        string     `json:"name" db:"name"`
	Type        RunType    `json:"type" db:"run_type"`
	ParentRunID string     `json:"parent_run_id,omitempty" db:"parent_run_id"`
	Status      RunStatus  `json:"status" db:"status"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	Total       int        `json:"total" db:"total"`
	Completed   int        `json:"completed" db:"completed"`
	Failed      int        `json:"failed" db:"failed"`
	Processing  int        `json:"processing" db:"processing"`
}

// NewRun is the input to Service.CreateRun. ID is chosen by the caller.
type NewRun struct {
	ID          string
	Category    string
	Name        string
	Type        RunType
	ParentRunID string
}

// ResourceRun is the progress record of one resource within a run.
type ResourceRun struct {
	ID           string         `json:"id" db:"resource_run_id"`
	RunID        string         `json:"run_id" db:"run_id"`
	ResourceID   string         `json:"resource_id" db:"resource_id"`
	ResourceType string         `json:"resource_type" db:"resource_type"`
	Status       Status         `json:"status" db:"status"`
	StartedAt    time.Time      `json:"started_at" db:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty" db:"ended_at"`
	Error        string         `json:"error,omitempty" db:"error_message"`
	Steps        []StepProgress `json:"steps,omitempty"`
}

// StepProgress is one stage's outcome for one resource.
type StepProgress struct {
	Name     string        `json:"name" db:"step_name"`
	Status   Status        `json:"status" db:"status"`
	Duration time.Duration `json:"duration" db:"duration"`
	EndedAt  time.Time     `json:"ended_at" db:"ended_at"`
	Error    string        `json:"error,omitempty" db:"error_message"`
}

// ResourceRunCreate registers a resource-run in Processing state.
type ResourceRunCreate struct {
	ResourceRunID string
	ResourceID    string
	ResourceType  string
	StartedAt     time.Time
}

// StepUpdate records the outcome of one stage for one resource-run.
type StepUpdate struct {
	ResourceRunID string
	Step          StepProgress
}

// ResourceRunCompletion closes a resource-run with its terminal status.
type ResourceRunCompletion struct {
	ResourceRunID string
	Status        Status
	Error         string
	EndedAt       time.Time
}

// Snapshot is a point-in-time view of a run's aggregate counters.
type Snapshot struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
}

// mergeStep folds a repeated update for the same step into the existing record.
// Failure is sticky and durations accumulate.
func mergeStep(existing, next StepProgress) StepProgress {
	out := existing
	out.Duration += next.Duration
	if next.EndedAt.After(out.EndedAt) {
		out.EndedAt = next.EndedAt
	}
	if existing.Status != StatusFailed {
		out.Status = next.Status
		if next.Status == StatusFailed {
			out.Error = next.Error
		}
	}
	return out
}
