package storage

import (
	"context"
	"sort"
	"sync"

	"meshnet/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	logs        map[string][]model.LogRow
	checkpoints map[string][]model.CheckpointIndexEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.logs = make(map[string][]model.LogRow)
	s.checkpoints = make(map[string][]model.CheckpointIndexEntry)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUnix != runs[j].CreatedAtUnix {
			return runs[i].CreatedAtUnix < runs[j].CreatedAtUnix
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func (s *MemoryStore) AppendLogRows(_ context.Context, runID string, rows []model.LogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[runID] = append(s.logs[runID], rows...)
	return nil
}

func (s *MemoryStore) GetLogRows(_ context.Context, runID string) ([]model.LogRow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.logs[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.LogRow, len(rows))
	copy(copied, rows)
	return copied, true, nil
}

func (s *MemoryStore) SaveCheckpointIndex(_ context.Context, runID string, index []model.CheckpointIndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.CheckpointIndexEntry, len(index))
	copy(copied, index)
	s.checkpoints[runID] = copied
	return nil
}

func (s *MemoryStore) GetCheckpointIndex(_ context.Context, runID string) ([]model.CheckpointIndexEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, ok := s.checkpoints[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.CheckpointIndexEntry, len(index))
	copy(copied, index)
	return copied, true, nil
}
