// In-memory run store for tests and ephemeral deployments.

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/revlens/revlens/model"
)

// MemoryRunStore implements RunStore with an in-memory map.
// Thread-safe via RWMutex. Records are deep-copied on the way in and
// out so callers cannot mutate stored state.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*model.RunRecord
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*model.RunRecord)}
}

// CreateRun persists a new run record in the running state.
func (s *MemoryRunStore) CreateRun(_ context.Context, record *model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[record.ID]; exists {
		return fmt.Errorf("run %q already exists", record.ID)
	}
	s.runs[record.ID] = copyRun(record)
	return nil
}

// AppendStepResult persists one step result for a running run.
func (s *MemoryRunStore) AppendStepResult(_ context.Context, runID string, _ int, result *model.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return fmt.Errorf("append step %q to run %q: %w", result.StepID, runID, ErrRunFinalized)
	}

	run.AppendStep(copyStep(result))
	return nil
}

// FinalizeRun writes the terminal state of a run. Idempotent: a run that
// already reached a terminal state keeps its first terminal state.
func (s *MemoryRunStore) FinalizeRun(_ context.Context, record *model.RunRecord) error {
	if !record.Status.Terminal() {
		return fmt.Errorf("finalize run %q: status %q is not terminal", record.ID, record.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[record.ID]
	if !ok {
		return ErrRunNotFound
	}
	if existing.Status.Terminal() {
		return nil
	}

	s.runs[record.ID] = copyRun(record)
	return nil
}

// GetRun retrieves a full run record including step results.
func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (*model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(run), nil
}

// ListRuns returns run headers matching the filter, most recent first.
func (s *MemoryRunStore) ListRuns(_ context.Context, filter ListFilter) ([]*model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := []*model.RunRecord{} // Start with empty slice, not nil
	for _, run := range s.runs {
		if filter.TenantID != "" && run.TenantID != filter.TenantID {
			continue
		}
		if filter.SkillID != "" && run.SkillID != filter.SkillID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		header := copyRun(run)
		header.Steps = make(map[string]*model.StepResult)
		matches = append(matches, header)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StartedAt.After(matches[j].StartedAt)
	})

	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryRunStore) Close() error {
	return nil
}

func copyRun(record *model.RunRecord) *model.RunRecord {
	out := *record
	out.StepOrder = append([]string(nil), record.StepOrder...)
	out.Steps = make(map[string]*model.StepResult, len(record.Steps))
	for id, step := range record.Steps {
		out.Steps[id] = copyStep(step)
	}
	if record.FinishedAt != nil {
		t := *record.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func copyStep(result *model.StepResult) *model.StepResult {
	out := *result
	out.Output = append([]byte(nil), result.Output...)
	out.Warnings = append([]string(nil), result.Warnings...)
	out.ToolCalls = append([]model.ToolInvocation(nil), result.ToolCalls...)
	if result.Error != nil {
		e := *result.Error
		out.Error = &e
	}
	return &out
}

// Verify MemoryRunStore implements RunStore
var _ RunStore = (*MemoryRunStore)(nil)
