package platform

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"trafficevo/internal/evo"
	"trafficevo/internal/fitness"
	"trafficevo/internal/metrics"
	"trafficevo/internal/model"
	"trafficevo/internal/review"
	"trafficevo/internal/storage"
	"trafficevo/internal/tlprogram"
)

var testIDs = []string{"r0c0", "r0c1", "r1c0"}

func cycleEvaluator() fitness.Evaluator {
	return fitness.Func{Label: "cycle", Fn: func(_ context.Context, set tlprogram.ProgramSet) (fitness.Result, error) {
		total := 0
		for _, p := range set.Programs {
			total += p.Cycle()
		}
		return fitness.Result{Fitness: float64(total)}, nil
	}}
}

func newTestPolis(t *testing.T, cfg Config) *Polis {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	p := NewPolis(cfg)
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init polis: %v", err)
	}
	if err := p.RegisterEvaluator("cycle", cycleEvaluator()); err != nil {
		t.Fatalf("register evaluator: %v", err)
	}
	return p
}

func TestPolisInitRequiresStore(t *testing.T) {
	if err := NewPolis(Config{}).Init(context.Background()); err == nil {
		t.Fatal("expected missing store error")
	}
	p := NewPolis(Config{Store: storage.NewMemoryStore()})
	if _, err := p.RunEvolution(context.Background(), RunRequest{}); err == nil {
		t.Fatal("expected uninitialized polis error")
	}
}

func TestRegisterEvaluator(t *testing.T) {
	p := newTestPolis(t, Config{})
	if err := p.RegisterEvaluator("cycle", cycleEvaluator()); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := p.RegisterEvaluator("", cycleEvaluator()); err == nil {
		t.Fatal("expected missing name error")
	}
	if err := p.RegisterEvaluator("nil", nil); err == nil {
		t.Fatal("expected nil evaluator error")
	}
	if got := p.Evaluators(); len(got) != 1 || got[0] != "cycle" {
		t.Fatalf("unexpected evaluators: %v", got)
	}
}

func TestRunEvolutionPersistsRun(t *testing.T) {
	ctx := context.Background()
	collectors := metrics.New()
	p := newTestPolis(t, Config{Metrics: collectors})

	outcome, err := p.RunEvolution(ctx, RunRequest{
		RunID:           "r1",
		IntersectionIDs: testIDs,
		Config: model.RunConfig{
			Evaluator:      "cycle",
			PopulationSize: 6,
			EliteCount:     2,
			Generations:    3,
			Workers:        2,
			Seed:           7,
			MutationRate:   0.3,
			Entropy:        1,
		},
	})
	if err != nil {
		t.Fatalf("run evolution: %v", err)
	}
	run := outcome.Run
	if run.Status != model.RunCompleted || run.Generation != 3 || run.FinishedAt.IsZero() {
		t.Fatalf("unexpected run record: %+v", run)
	}
	if run.BestID != outcome.Result.Best.ID || run.BestFitness != outcome.Result.Best.Fitness {
		t.Fatalf("run best %s/%f does not match result %s/%f", run.BestID, run.BestFitness, outcome.Result.Best.ID, outcome.Result.Best.Fitness)
	}

	stored, err := p.Run(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != model.RunCompleted || stored.Config.Selector != "tournament" {
		t.Fatalf("unexpected stored run: %+v", stored)
	}

	history, err := p.FitnessHistory(ctx, "r1")
	if err != nil || len(history) != 3 {
		t.Fatalf("unexpected history: %v err=%v", history, err)
	}
	for i := 1; i < len(history); i++ {
		if history[i] > history[i-1] {
			t.Fatalf("best fitness regressed: %v", history)
		}
	}

	diagnostics, err := p.Diagnostics(ctx, "r1")
	if err != nil || len(diagnostics) != 3 || diagnostics[0].Evaluated != 6 || diagnostics[1].Evaluated != 4 {
		t.Fatalf("unexpected diagnostics: %+v err=%v", diagnostics, err)
	}

	lineage, err := p.Lineage(ctx, "r1")
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != 6+6+6 || lineage[0].Operation != "seed" || lineage[0].SetID != "r1-g0-i0" {
		t.Fatalf("unexpected lineage: %d records, first=%+v", len(lineage), lineage[0])
	}

	best, err := p.ProgramSet(ctx, "r1", run.BestID)
	if err != nil {
		t.Fatalf("best program set: %v", err)
	}
	if len(best.Set.Programs) != len(testIDs) {
		t.Fatalf("unexpected best set: %+v", best.Set)
	}

	runs, err := p.Runs(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("unexpected runs: %+v err=%v", runs, err)
	}
}

func TestRunEvolutionFlagsOutliers(t *testing.T) {
	ctx := context.Background()
	publisher := &review.MemoryPublisher{}
	p := newTestPolis(t, Config{Publisher: publisher})
	err := p.RegisterEvaluator("outlier", fitness.Func{Label: "outlier", Fn: func(_ context.Context, set tlprogram.ProgramSet) (fitness.Result, error) {
		if strings.HasSuffix(set.ID, "-i4") {
			return fitness.Result{Fitness: 100}, nil
		}
		return fitness.Result{Fitness: 10}, nil
	}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	outcome, err := p.RunEvolution(ctx, RunRequest{
		RunID:           "r2",
		IntersectionIDs: testIDs,
		Config:          model.RunConfig{Evaluator: "outlier", PopulationSize: 5, EliteCount: 1, Generations: 1},
	})
	if err != nil {
		t.Fatalf("run evolution: %v", err)
	}
	if outcome.Run.Flagged != 1 {
		t.Fatalf("expected one flagged individual, got %d", outcome.Run.Flagged)
	}

	flagged, err := p.Flagged(ctx, "r2")
	if err != nil || len(flagged) != 1 {
		t.Fatalf("unexpected flagged: %+v err=%v", flagged, err)
	}
	f := flagged[0]
	if f.SetID != "r2-g0-i4" || f.Index != 4 || f.Fitness != 100 || f.Mean != 28 || f.StdDev != 36 {
		t.Fatalf("unexpected flagged record: %+v", f)
	}
	if _, err := p.ProgramSet(ctx, "r2", f.SetID); err != nil {
		t.Fatalf("flagged program set not stored: %v", err)
	}

	events := publisher.Events()
	if len(events) != 1 || events[0].Payload.SetID != "r2-g0-i4" || events[0].RunID != "r2" {
		t.Fatalf("unexpected review events: %+v", events)
	}
}

func TestRunEvolutionRecordsFailure(t *testing.T) {
	ctx := context.Background()
	p := newTestPolis(t, Config{})
	boom := errors.New("simulator crashed")
	if err := p.RegisterEvaluator("broken", fitness.Func{Label: "broken", Fn: func(context.Context, tlprogram.ProgramSet) (fitness.Result, error) {
		return fitness.Result{}, boom
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	outcome, err := p.RunEvolution(ctx, RunRequest{
		RunID:           "r3",
		IntersectionIDs: testIDs,
		Config:          model.RunConfig{Evaluator: "broken", PopulationSize: 4, Generations: 2},
	})
	if !errors.Is(err, evo.ErrPopulationExhausted) {
		t.Fatalf("expected exhausted population, got %v", err)
	}
	if outcome.Run.Status != model.RunFailed {
		t.Fatalf("expected failed run, got %+v", outcome.Run)
	}
	stored, err := p.Run(ctx, "r3")
	if err != nil || stored.Status != model.RunFailed || stored.Error == "" {
		t.Fatalf("unexpected stored run: %+v err=%v", stored, err)
	}
}

func TestRunEvolutionRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	p := newTestPolis(t, Config{})

	_, err := p.RunEvolution(ctx, RunRequest{IntersectionIDs: testIDs, Config: model.RunConfig{Evaluator: "missing"}})
	if !errors.Is(err, ErrEvaluatorNotFound) {
		t.Fatalf("expected evaluator not found, got %v", err)
	}
	if _, err := p.RunEvolution(ctx, RunRequest{Config: model.RunConfig{Evaluator: "cycle"}}); err == nil {
		t.Fatal("expected missing intersection ids error")
	}
	if _, err := p.RunEvolution(ctx, RunRequest{IntersectionIDs: testIDs, Config: model.RunConfig{Evaluator: "cycle", Selector: "roulette"}}); !errors.Is(err, evo.ErrSelectorNotFound) {
		t.Fatalf("expected selector not found, got %v", err)
	}

	req := RunRequest{RunID: "dup", IntersectionIDs: testIDs, Config: model.RunConfig{Evaluator: "cycle", PopulationSize: 2, Generations: 1}}
	if _, err := p.RunEvolution(ctx, req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := p.RunEvolution(ctx, req); err == nil {
		t.Fatal("expected duplicate run id error")
	}
	if _, err := p.Diagnostics(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected run not found, got %v", err)
	}
}

func TestRunEvolutionUsesGivenPopulation(t *testing.T) {
	ctx := context.Background()
	p := newTestPolis(t, Config{})
	initial := []tlprogram.ProgramSet{
		tlprogram.Template("a", testIDs),
		tlprogram.Template("b", testIDs),
		tlprogram.Template("c", testIDs),
	}
	outcome, err := p.RunEvolution(ctx, RunRequest{RunID: "given", Initial: initial, Config: model.RunConfig{Evaluator: "cycle", Generations: 1}})
	if err != nil {
		t.Fatalf("run evolution: %v", err)
	}
	if outcome.Run.Config.PopulationSize != 3 || len(outcome.Result.FinalPopulation) != 3 {
		t.Fatalf("expected population of 3, got config=%d final=%d", outcome.Run.Config.PopulationSize, len(outcome.Result.FinalPopulation))
	}
}

func TestStartRunStreamsToHub(t *testing.T) {
	ctx := context.Background()
	p := newTestPolis(t, Config{})

	run, err := p.StartRun(ctx, RunRequest{
		RunID:           "bg",
		IntersectionIDs: testIDs,
		Config:          model.RunConfig{Evaluator: "cycle", PopulationSize: 4, Generations: 2},
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Status != model.RunRunning {
		t.Fatalf("expected running record, got %s", run.Status)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.WaitRun(waitCtx, "bg"); err != nil {
		t.Fatalf("wait run: %v", err)
	}
	stored, err := p.Run(ctx, "bg")
	if err != nil || stored.Status != model.RunCompleted {
		t.Fatalf("unexpected stored run: %+v err=%v", stored, err)
	}

	replay, updates, stop, err := p.Subscribe(ctx, "bg")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()
	if len(replay) != 3 || replay[0].Type != MessageGeneration || replay[2].Type != MessageFinished {
		t.Fatalf("unexpected replay: %+v", replay)
	}
	if _, open := <-updates; open {
		t.Fatal("expected closed update channel for finished run")
	}
}

func TestSubscribeReplaysEvictedRunFromStore(t *testing.T) {
	ctx := context.Background()
	p := newTestPolis(t, Config{StreamRetention: 1})
	for _, id := range []string{"old", "new"} {
		if _, err := p.RunEvolution(ctx, RunRequest{
			RunID:           id,
			IntersectionIDs: testIDs,
			Config:          model.RunConfig{Evaluator: "cycle", PopulationSize: 4, Generations: 2},
		}); err != nil {
			t.Fatalf("run %s: %v", id, err)
		}
	}
	if _, _, _, ok := p.hub.Subscribe("old"); ok {
		t.Fatal("expected the older finished stream to be evicted")
	}

	replay, updates, stop, err := p.Subscribe(ctx, "old")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()
	if len(replay) != 3 {
		t.Fatalf("expected two generations and a finish message, got %+v", replay)
	}
	if replay[0].Type != MessageGeneration || replay[0].Generation != 1 || replay[0].Diagnostics == nil {
		t.Fatalf("unexpected first message: %+v", replay[0])
	}
	last := replay[2]
	if last.Type != MessageFinished || last.Run == nil || last.Run.Status != model.RunCompleted {
		t.Fatalf("unexpected finish message: %+v", last)
	}
	if _, open := <-updates; open {
		t.Fatal("expected closed update channel for a replayed run")
	}

	if _, _, _, err := p.Subscribe(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected run not found, got %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	p := newTestPolis(t, Config{})
	started := make(chan struct{})
	var once sync.Once
	if err := p.RegisterEvaluator("slow", fitness.Func{Label: "slow", Fn: func(ctx context.Context, _ tlprogram.ProgramSet) (fitness.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return fitness.Result{}, ctx.Err()
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := p.StartRun(ctx, RunRequest{
		RunID:           "slow-run",
		IntersectionIDs: testIDs,
		Config:          model.RunConfig{Evaluator: "slow", PopulationSize: 2, Generations: 1},
	}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	<-started
	if active := p.ActiveRuns(); len(active) != 1 || active[0] != "slow-run" {
		t.Fatalf("unexpected active runs: %v", active)
	}
	if err := p.CancelRun("slow-run"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.WaitRun(waitCtx, "slow-run"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	stored, err := p.Run(ctx, "slow-run")
	if err != nil || stored.Status != model.RunFailed {
		t.Fatalf("expected failed run after cancel, got %+v err=%v", stored, err)
	}
	if err := p.CancelRun("slow-run"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not running error, got %v", err)
	}
}
