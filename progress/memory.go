package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryService is a process-local Service and Reader. It is useful for tests
// and single-process deployments that do not need progress to survive a restart.
type MemoryService struct {
	mu           sync.RWMutex
	runs         map[string]*Run
	resourceRuns map[string]*ResourceRun
	byRun        map[string][]string
}

// NewMemoryService returns an empty in-memory progress service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		runs:         make(map[string]*Run),
		resourceRuns: make(map[string]*ResourceRun),
		byRun:        make(map[string][]string),
	}
}

// CreateRun implements Service.
func (m *MemoryService) CreateRun(ctx context.Context, in NewRun) (Run, error) {
	if in.ID == "" {
		return Run{}, fmt.Errorf("create run: id is required")
	}
	if in.Type == RunTypeRetry && in.ParentRunID == "" {
		return Run{}, fmt.Errorf("create run: retry run requires parent run id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[in.ID]; exists {
		return Run{}, fmt.Errorf("create run: run %s already exists", in.ID)
	}
	run := &Run{
		ID:          in.ID,
		Category:    in.Category,
		Name:        in.Name,
		Type:        in.Type,
		ParentRunID: in.ParentRunID,
		Status:      RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	m.runs[in.ID] = run
	return *run, nil
}

// CreateResourceRunsBatch implements Service. Re-creating an existing
// resource-run is a no-op.
func (m *MemoryService) CreateResourceRunsBatch(ctx context.Context, runID string, creates []ResourceRunCreate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return fmt.Errorf("create resource runs: run %s: %w", runID, ErrNotFound)
	}
	for _, c := range creates {
		if _, exists := m.resourceRuns[c.ResourceRunID]; exists {
			continue
		}
		started := c.StartedAt
		if started.IsZero() {
			started = time.Now().UTC()
		}
		m.resourceRuns[c.ResourceRunID] = &ResourceRun{
			ID:           c.ResourceRunID,
			RunID:        runID,
			ResourceID:   c.ResourceID,
			ResourceType: c.ResourceType,
			Status:       StatusProcessing,
			StartedAt:    started,
		}
		m.byRun[runID] = append(m.byRun[runID], c.ResourceRunID)
	}
	return nil
}

// UpdateStepProgressBatch implements Service.
func (m *MemoryService) UpdateStepProgressBatch(ctx context.Context, runID string, updates []StepUpdate) ([]StepUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deferred []StepUpdate
	for _, u := range updates {
		rr, ok := m.resourceRuns[u.ResourceRunID]
		if !ok || rr.RunID != runID {
			deferred = append(deferred, u)
			continue
		}
		merged := false
		for i := range rr.Steps {
			if rr.Steps[i].Name == u.Step.Name {
				rr.Steps[i] = mergeStep(rr.Steps[i], u.Step)
				merged = true
				break
			}
		}
		if !merged {
			rr.Steps = append(rr.Steps, u.Step)
		}
	}
	return deferred, nil
}

// CompleteResourceRunsBatch implements Service. A resource-run keeps the first
// terminal status it is given.
func (m *MemoryService) CompleteResourceRunsBatch(ctx context.Context, runID string, completions []ResourceRunCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range completions {
		rr, ok := m.resourceRuns[c.ResourceRunID]
		if !ok || rr.RunID != runID {
			return fmt.Errorf("complete resource run %s: %w", c.ResourceRunID, ErrNotFound)
		}
		if rr.Status.Terminal() {
			continue
		}
		ended := c.EndedAt
		if ended.IsZero() {
			ended = time.Now().UTC()
		}
		rr.Status = c.Status
		rr.Error = c.Error
		rr.EndedAt = &ended
	}
	return nil
}

// CompleteRun implements Service. A run can be completed only once.
func (m *MemoryService) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("complete run %s: %w", runID, ErrNotFound)
	}
	if run.EndedAt != nil {
		return fmt.Errorf("complete run %s: already completed with status %s", runID, run.Status)
	}
	now := time.Now().UTC()
	run.Status = status
	run.EndedAt = &now
	return nil
}

// GetIncompleteResourceIDs implements Service.
func (m *MemoryService) GetIncompleteResourceIDs(ctx context.Context, parentRunID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[parentRunID]; !ok {
		return nil, fmt.Errorf("incomplete resources: run %s: %w", parentRunID, ErrNotFound)
	}
	completed := make(map[string]bool)
	var ids []string
	seen := make(map[string]bool)
	for _, rrID := range m.byRun[parentRunID] {
		rr := m.resourceRuns[rrID]
		if rr.Status == StatusCompleted {
			completed[rr.ResourceID] = true
		}
	}
	for _, rrID := range m.byRun[parentRunID] {
		rr := m.resourceRuns[rrID]
		if completed[rr.ResourceID] || seen[rr.ResourceID] {
			continue
		}
		seen[rr.ResourceID] = true
		ids = append(ids, rr.ResourceID)
	}
	return ids, nil
}

// GetRun implements Reader. Counters are derived from the run's resource-runs.
func (m *MemoryService) GetRun(ctx context.Context, runID string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := *run
	snap := m.snapshotLocked(runID)
	out.Total, out.Completed, out.Failed, out.Processing = snap.Total, snap.Completed, snap.Failed, snap.Processing
	return out, nil
}

// ListResourceRuns implements Reader, ordered by start time.
func (m *MemoryService) ListResourceRuns(ctx context.Context, runID string) ([]ResourceRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]ResourceRun, 0, len(m.byRun[runID]))
	for _, rrID := range m.byRun[runID] {
		rr := *m.resourceRuns[rrID]
		rr.Steps = append([]StepProgress(nil), rr.Steps...)
		out = append(out, rr)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Snapshot returns the aggregate counters for runID.
func (m *MemoryService) Snapshot(runID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(runID)
}

func (m *MemoryService) snapshotLocked(runID string) Snapshot {
	var s Snapshot
	for _, rrID := range m.byRun[runID] {
		s.Total++
		switch m.resourceRuns[rrID].Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		default:
			s.Processing++
		}
	}
	return s
}

var (
	_ Service = (*MemoryService)(nil)
	_ Reader  = (*MemoryService)(nil)
)
