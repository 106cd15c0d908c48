package platform

import (
	"context"
	"errors"
	"sync"
	"time"

	"trafficevo/internal/evo"
	"trafficevo/internal/model"
	"trafficevo/internal/storage"
	"trafficevo/internal/tlprogram"
)

// runRecorder persists a run as it progresses. Every generation rewrites
// the per-run series so that a crashed or cancelled run keeps what it
// completed.
type runRecorder struct {
	store storage.Store

	mu          sync.Mutex
	run         model.RunRecord
	history     []float64
	diagnostics []model.GenerationDiagnostics
	flagged     []model.FlaggedIndividual
	lineage     []model.LineageRecord
	best        tlprogram.ProgramSet
	haveBest    bool
}

func newRunRecorder(store storage.Store, run model.RunRecord, initial []tlprogram.ProgramSet) *runRecorder {
	r := &runRecorder{store: store, run: run}
	for _, set := range initial {
		r.lineage = append(r.lineage, model.LineageRecord{
			VersionedRecord: storage.CurrentVersion(),
			SetID:           set.ID,
			ParentIDs:       append([]string(nil), set.ParentIDs...),
			Operation:       "seed",
		})
	}
	return r
}

func (r *runRecorder) ObserveGeneration(ctx context.Context, report evo.GenerationReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := report.Diagnostics
	r.history = append(r.history, d.BestFitness)
	r.diagnostics = append(r.diagnostics, toModelDiagnostics(d))
	r.lineage = append(r.lineage, toModelLineage(report.Lineage)...)
	r.run.Generation = report.Generation
	r.run.Flagged += len(report.Flagged)

	var errs []error
	if !r.haveBest || report.Best.Fitness <= r.best.Fitness {
		r.best = report.Best.Clone()
		r.haveBest = true
		r.run.BestID = r.best.ID
		r.run.BestFitness = r.best.Fitness
		errs = append(errs, r.saveSet(ctx, report.Generation, r.best))
	}
	r.flagged = append(r.flagged, toModelFlagged(r.run.ID, report)...)
	for _, f := range report.Flagged {
		errs = append(errs, r.saveSet(ctx, f.Generation, f.Set))
	}
	errs = append(errs, r.flushLocked(ctx))
	return errors.Join(errs...)
}

// finish records the terminal state of the run. result is ignored when
// runErr is set.
func (r *runRecorder) finish(ctx context.Context, result evo.RunResult, runErr error) (model.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.run.FinishedAt = time.Now().UTC()
	var errs []error
	if runErr != nil {
		r.run.Status = model.RunFailed
		r.run.Error = runErr.Error()
	} else {
		r.run.Status = model.RunCompleted
		r.run.BestID = result.Best.ID
		r.run.BestFitness = result.Best.Fitness
		r.lineage = toModelLineage(result.Lineage)
		errs = append(errs, r.saveSet(ctx, len(result.BestByGeneration), result.Best))
	}
	errs = append(errs, r.flushLocked(ctx))
	return r.run, errors.Join(errs...)
}

func (r *runRecorder) saveSet(ctx context.Context, generation int, set tlprogram.ProgramSet) error {
	return r.store.SaveProgramSet(ctx, model.ProgramSetRecord{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           r.run.ID,
		Generation:      generation,
		Set:             set.Clone(),
	})
}

func (r *runRecorder) flushLocked(ctx context.Context) error {
	if err := r.store.SaveRun(ctx, r.run); err != nil {
		return err
	}
	if err := r.store.SaveFitnessHistory(ctx, r.run.ID, r.history); err != nil {
		return err
	}
	if err := r.store.SaveGenerationDiagnostics(ctx, r.run.ID, r.diagnostics); err != nil {
		return err
	}
	if err := r.store.SaveFlagged(ctx, r.run.ID, r.flagged); err != nil {
		return err
	}
	return r.store.SaveLineage(ctx, r.run.ID, r.lineage)
}

func toModelDiagnostics(d evo.GenerationDiagnostics) model.GenerationDiagnostics {
	return model.GenerationDiagnostics{
		Generation:   d.Generation,
		BestID:       d.BestID,
		BestFitness:  d.BestFitness,
		MeanFitness:  d.MeanFitness,
		StdDev:       d.StdDev,
		WorstFitness: d.WorstFitness,
		Evaluated:    d.Evaluated,
		Failed:       d.Failed,
		Flagged:      d.Flagged,
		MutationRate: d.MutationRate,
	}
}

func toModelLineage(lineage []evo.LineageRecord) []model.LineageRecord {
	out := make([]model.LineageRecord, 0, len(lineage))
	for _, rec := range lineage {
		out = append(out, model.LineageRecord{
			VersionedRecord: storage.CurrentVersion(),
			SetID:           rec.SetID,
			ParentIDs:       append([]string(nil), rec.ParentIDs...),
			Generation:      rec.Generation,
			Operation:       rec.Operation,
			Swapped:         append([]string(nil), rec.Swapped...),
		})
	}
	return out
}

func toModelFlagged(runID string, report evo.GenerationReport) []model.FlaggedIndividual {
	out := make([]model.FlaggedIndividual, 0, len(report.Flagged))
	for _, f := range report.Flagged {
		out = append(out, model.FlaggedIndividual{
			VersionedRecord: storage.CurrentVersion(),
			RunID:           runID,
			Generation:      f.Generation,
			Index:           f.Index,
			SetID:           f.Set.ID,
			Fitness:         f.Set.Fitness,
			Mean:            report.Diagnostics.MeanFitness,
			StdDev:          report.Diagnostics.StdDev,
		})
	}
	return out
}
