package storage

import (
	"context"

	"trafficevo/internal/model"
)

// Store defines the persistence operations for evolution runs and their
// review data. Getters report absence with a false flag, not an error.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveFitnessHistory(ctx context.Context, runID string, history []float64) error
	GetFitnessHistory(ctx context.Context, runID string) ([]float64, bool, error)
	SaveGenerationDiagnostics(ctx context.Context, runID string, diagnostics []model.GenerationDiagnostics) error
	GetGenerationDiagnostics(ctx context.Context, runID string) ([]model.GenerationDiagnostics, bool, error)
	SaveFlagged(ctx context.Context, runID string, flagged []model.FlaggedIndividual) error
	GetFlagged(ctx context.Context, runID string) ([]model.FlaggedIndividual, bool, error)
	SaveLineage(ctx context.Context, runID string, lineage []model.LineageRecord) error
	GetLineage(ctx context.Context, runID string) ([]model.LineageRecord, bool, error)
	SaveProgramSet(ctx context.Context, record model.ProgramSetRecord) error
	GetProgramSet(ctx context.Context, runID, setID string) (model.ProgramSetRecord, bool, error)
}
