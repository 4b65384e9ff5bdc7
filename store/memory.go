// Package store provides the run persistence backends: an in-memory store
// for tests and single-process use, and a SQLite store for durability.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

// MemoryRunStore keeps runs and their logs in memory. A single mutex makes
// every mutation an atomic conditional step.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*policyscan.Run
	logs map[string][]policyscan.LogEntry
}

var _ policyscan.RunStore = &MemoryRunStore{}

// NewMemoryRunStore creates an empty MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*policyscan.Run),
		logs: make(map[string][]policyscan.LogEntry),
	}
}

func (s *MemoryRunStore) Create(_ context.Context, run *policyscan.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return policyscan.NewValidationError("run already exists: %s", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryRunStore) Get(_ context.Context, runID string) (*policyscan.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, policyscan.NewNotFoundError("run", runID)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryRunStore) Transition(_ context.Context, runID string, from []policyscan.RunStatus, to policyscan.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, policyscan.NewNotFoundError("run", runID)
	}
	if !statusIn(run.Status, from) {
		return false, nil
	}
	run.Status = to
	if to != policyscan.RunPaused {
		run.Paused = nil
	}
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryRunStore) Pause(_ context.Context, runID string, paused *policyscan.PausedState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, policyscan.NewNotFoundError("run", runID)
	}
	if run.Status != policyscan.RunRunning {
		return false, nil
	}
	run.Status = policyscan.RunPaused
	run.Paused = paused
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryRunStore) ClaimResume(_ context.Context, runID string) (*policyscan.PausedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, false, policyscan.NewNotFoundError("run", runID)
	}
	if run.Status != policyscan.RunPaused {
		return nil, false, nil
	}
	paused := run.Paused
	run.Status = policyscan.RunRunning
	run.Paused = nil
	run.UpdatedAt = time.Now().UTC()
	return paused, true, nil
}

func (s *MemoryRunStore) Fail(_ context.Context, runID string, msg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, policyscan.NewNotFoundError("run", runID)
	}
	if run.Status.Terminal() {
		return false, nil
	}
	run.Status = policyscan.RunFailed
	run.Error = msg
	run.Paused = nil
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryRunStore) AppendLog(_ context.Context, runID string, entry policyscan.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return policyscan.NewNotFoundError("run", runID)
	}
	s.logs[runID] = append(s.logs[runID], entry)
	return nil
}

func (s *MemoryRunStore) Logs(_ context.Context, runID string) ([]policyscan.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, policyscan.NewNotFoundError("run", runID)
	}
	return append([]policyscan.LogEntry(nil), s.logs[runID]...), nil
}

func (s *MemoryRunStore) ActiveRuns(_ context.Context, key string) ([]*policyscan.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*policyscan.Run
	for _, run := range s.runs {
		if run.Key() == key && run.Status.Active() {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRunStore) PausedRuns(_ context.Context) ([]*policyscan.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*policyscan.Run
	for _, run := range s.runs {
		if run.Status == policyscan.RunPaused {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func statusIn(s policyscan.RunStatus, set []policyscan.RunStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
