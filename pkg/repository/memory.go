package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// MemoryRunStore keeps runs in process
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

// NewMemoryRunStore creates an empty store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]domain.Run)}
}

func (s *MemoryRunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryRunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, errors.ErrNotFound)
	}
	return run, nil
}

func (s *MemoryRunStore) UpdateRun(ctx context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, errors.ErrNotFound)
	}
	s.runs[run.ID] = run
	return nil
}

// MemoryErrorStore keeps error records in process, in insertion order per run
type MemoryErrorStore struct {
	mu      sync.RWMutex
	records map[string][]domain.ErrorRecord
}

// NewMemoryErrorStore creates an empty store
func NewMemoryErrorStore() *MemoryErrorStore {
	return &MemoryErrorStore{records: make(map[string][]domain.ErrorRecord)}
}

func (s *MemoryErrorStore) SaveError(ctx context.Context, rec domain.ErrorRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RunID] = append(s.records[rec.RunID], rec)
	return nil
}

func (s *MemoryErrorStore) ListErrors(ctx context.Context, runID string, offset, limit int) ([]domain.ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.records[runID]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]domain.ErrorRecord, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

func (s *MemoryErrorStore) CountErrors(ctx context.Context, runID string) (ErrorCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c ErrorCounts
	for _, rec := range s.records[runID] {
		if rec.Severity == string(errors.SeverityWarning) {
			c.Warnings++
		} else {
			c.Errors++
		}
	}
	return c, nil
}
