//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trafficevo/internal/model"
	"trafficevo/internal/tlprogram"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "trafficevo.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a"} {
		run := model.RunRecord{
			VersionedRecord: CurrentVersion(),
			ID:              id,
			Status:          model.RunCompleted,
			BestFitness:     float64(100 + i),
			StartedAt:       base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" || runs[1].ID != "a" {
		t.Fatalf("unexpected run order: %+v", runs)
	}

	updated := runs[1]
	updated.Status = model.RunFailed
	updated.Error = "boom"
	if err := store.SaveRun(ctx, updated); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, ok, err := store.GetRun(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if got.Status != model.RunFailed || got.Error != "boom" {
		t.Fatalf("unexpected run after upsert: %+v", got)
	}
}

func TestSQLiteStorePerRunBlobs(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)

	if err := store.SaveFitnessHistory(ctx, "r1", []float64{5, 4, 4}); err != nil {
		t.Fatalf("save history: %v", err)
	}
	if err := store.SaveGenerationDiagnostics(ctx, "r1", []model.GenerationDiagnostics{{Generation: 1, BestFitness: 5, Flagged: 1}}); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	if err := store.SaveFlagged(ctx, "r1", []model.FlaggedIndividual{{VersionedRecord: CurrentVersion(), RunID: "r1", Generation: 1, Index: 4, SetID: "s4"}}); err != nil {
		t.Fatalf("save flagged: %v", err)
	}
	if err := store.SaveLineage(ctx, "r1", []model.LineageRecord{{VersionedRecord: CurrentVersion(), SetID: "s4", Operation: "seed"}}); err != nil {
		t.Fatalf("save lineage: %v", err)
	}

	history, ok, err := store.GetFitnessHistory(ctx, "r1")
	if err != nil || !ok || len(history) != 3 {
		t.Fatalf("unexpected history: %v ok=%t err=%v", history, ok, err)
	}
	diagnostics, ok, err := store.GetGenerationDiagnostics(ctx, "r1")
	if err != nil || !ok || diagnostics[0].Flagged != 1 {
		t.Fatalf("unexpected diagnostics: %+v ok=%t err=%v", diagnostics, ok, err)
	}
	flagged, ok, err := store.GetFlagged(ctx, "r1")
	if err != nil || !ok || flagged[0].SetID != "s4" {
		t.Fatalf("unexpected flagged: %+v ok=%t err=%v", flagged, ok, err)
	}
	lineage, ok, err := store.GetLineage(ctx, "r1")
	if err != nil || !ok || lineage[0].Operation != "seed" {
		t.Fatalf("unexpected lineage: %+v ok=%t err=%v", lineage, ok, err)
	}
	if _, ok, err := store.GetLineage(ctx, "r2"); err != nil || ok {
		t.Fatalf("expected missing lineage: ok=%t err=%v", ok, err)
	}
}

func TestSQLiteStoreProgramSets(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)

	record := model.ProgramSetRecord{
		VersionedRecord: CurrentVersion(),
		RunID:           "r1",
		Generation:      2,
		Set:             tlprogram.Template("best", []string{"r0c0", "r0c1"}),
	}
	if err := store.SaveProgramSet(ctx, record); err != nil {
		t.Fatalf("save program set: %v", err)
	}
	got, ok, err := store.GetProgramSet(ctx, "r1", "best")
	if err != nil || !ok {
		t.Fatalf("get program set: ok=%t err=%v", ok, err)
	}
	if got.Generation != 2 || len(got.Set.Programs) != 2 {
		t.Fatalf("unexpected program set: %+v", got)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))
	if _, _, err := store.GetRun(context.Background(), "r"); err == nil {
		t.Fatal("expected not initialized error")
	}
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("expected missing path error")
	}
}
