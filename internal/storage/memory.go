package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"trafficevo/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	history     map[string][]float64
	diagnostics map[string][]model.GenerationDiagnostics
	flagged     map[string][]model.FlaggedIndividual
	lineage     map[string][]model.LineageRecord
	sets        map[string]map[string]model.ProgramSetRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.history = make(map[string][]float64)
	s.diagnostics = make(map[string][]model.GenerationDiagnostics)
	s.flagged = make(map[string][]model.FlaggedIndividual)
	s.lineage = make(map[string][]model.LineageRecord)
	s.sets = make(map[string]map[string]model.ProgramSetRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

// ListRuns returns every run ordered by start time, then id.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) SaveFitnessHistory(_ context.Context, runID string, history []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.history[runID] = append([]float64(nil), history...)
	return nil
}

func (s *MemoryStore) GetFitnessHistory(_ context.Context, runID string) ([]float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]float64(nil), history...), true, nil
}

func (s *MemoryStore) SaveGenerationDiagnostics(_ context.Context, runID string, diagnostics []model.GenerationDiagnostics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	copied := make([]model.GenerationDiagnostics, len(diagnostics))
	copy(copied, diagnostics)
	s.diagnostics[runID] = copied
	return nil
}

func (s *MemoryStore) GetGenerationDiagnostics(_ context.Context, runID string) ([]model.GenerationDiagnostics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diagnostics, ok := s.diagnostics[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.GenerationDiagnostics, len(diagnostics))
	copy(copied, diagnostics)
	return copied, true, nil
}

func (s *MemoryStore) SaveFlagged(_ context.Context, runID string, flagged []model.FlaggedIndividual) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	copied := make([]model.FlaggedIndividual, len(flagged))
	copy(copied, flagged)
	s.flagged[runID] = copied
	return nil
}

func (s *MemoryStore) GetFlagged(_ context.Context, runID string) ([]model.FlaggedIndividual, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flagged, ok := s.flagged[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.FlaggedIndividual, len(flagged))
	copy(copied, flagged)
	return copied, true, nil
}

func (s *MemoryStore) SaveLineage(_ context.Context, runID string, lineage []model.LineageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	copied := make([]model.LineageRecord, 0, len(lineage))
	for _, record := range lineage {
		copied = append(copied, cloneLineage(record))
	}
	s.lineage[runID] = copied
	return nil
}

func (s *MemoryStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineage, ok := s.lineage[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.LineageRecord, 0, len(lineage))
	for _, record := range lineage {
		copied = append(copied, cloneLineage(record))
	}
	return copied, true, nil
}

func (s *MemoryStore) SaveProgramSet(_ context.Context, record model.ProgramSetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	bySet := s.sets[record.RunID]
	if bySet == nil {
		bySet = make(map[string]model.ProgramSetRecord)
		s.sets[record.RunID] = bySet
	}
	record.Set = record.Set.Clone()
	bySet[record.Set.ID] = record
	return nil
}

func (s *MemoryStore) GetProgramSet(_ context.Context, runID, setID string) (model.ProgramSetRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.sets[runID][setID]
	if !ok {
		return model.ProgramSetRecord{}, false, nil
	}
	record.Set = record.Set.Clone()
	return record, true, nil
}

func cloneLineage(r model.LineageRecord) model.LineageRecord {
	r.ParentIDs = append([]string(nil), r.ParentIDs...)
	r.Swapped = append([]string(nil), r.Swapped...)
	return r
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
