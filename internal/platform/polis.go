package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"trafficevo/internal/evo"
	"trafficevo/internal/fitness"
	"trafficevo/internal/metrics"
	"trafficevo/internal/model"
	"trafficevo/internal/review"
	"trafficevo/internal/storage"
	"trafficevo/internal/tlprogram"
)

const DefaultEvaluator = "grid"

var (
	ErrEvaluatorNotFound = errors.New("evaluator not registered")
	ErrRunNotFound       = errors.New("run not found")
)

// Config wires the optional collaborators of a Polis. Only Store is
// required.
type Config struct {
	Store     storage.Store
	Metrics   *metrics.Collectors
	Publisher review.Publisher
	Logger    *slog.Logger

	// StreamRetention bounds how many finished run streams stay in memory.
	StreamRetention int
}

// RunRequest describes one evolution run. Initial may be left empty, in
// which case the population is seeded from Template, or from the default
// template over IntersectionIDs or the ids the evaluator governs.
type RunRequest struct {
	RunID           string
	Config          model.RunConfig
	IntersectionIDs []string
	Template        tlprogram.ProgramSet
	Initial         []tlprogram.ProgramSet
}

type RunOutcome struct {
	Run    model.RunRecord
	Result evo.RunResult
}

type intersectionLister interface {
	IntersectionIDs() []string
}

type Polis struct {
	store     storage.Store
	metrics   *metrics.Collectors
	publisher review.Publisher
	log       *slog.Logger
	hub       *Hub

	mu         sync.RWMutex
	evaluators map[string]fitness.Evaluator
	started    bool
	background *background
}

func NewPolis(cfg Config) *Polis {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Polis{
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		publisher:  cfg.Publisher,
		log:        logger,
		hub:        NewHub(cfg.StreamRetention),
		evaluators: make(map[string]fitness.Evaluator),
		background: newBackground(),
	}
}

func (p *Polis) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Stop cancels background runs and waits for them to record their outcome.
func (p *Polis) Stop(ctx context.Context) error {
	if err := p.background.stopAll(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return nil
}

func (p *Polis) RegisterEvaluator(name string, evaluator fitness.Evaluator) error {
	if name == "" {
		return fmt.Errorf("evaluator name is required")
	}
	if evaluator == nil {
		return fmt.Errorf("evaluator %s is nil", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.evaluators[name]; exists {
		return fmt.Errorf("evaluator already registered: %s", name)
	}
	p.evaluators[name] = evaluator
	return nil
}

// ReplaceEvaluator registers evaluator under name, dropping any evaluator
// registered there before.
func (p *Polis) ReplaceEvaluator(name string, evaluator fitness.Evaluator) error {
	if name == "" {
		return fmt.Errorf("evaluator name is required")
	}
	if evaluator == nil {
		return fmt.Errorf("evaluator %s is nil", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluators[name] = evaluator
	return nil
}

func (p *Polis) Evaluator(name string) (fitness.Evaluator, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.evaluators[name]
	return e, ok
}

func (p *Polis) Evaluators() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.evaluators))
	for name := range p.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeRunConfig fills the zero fields of cfg with defaults.
func NormalizeRunConfig(cfg model.RunConfig) model.RunConfig {
	if cfg.Evaluator == "" {
		cfg.Evaluator = DefaultEvaluator
	}
	if cfg.PopulationSize <= 0 {
		cfg.PopulationSize = 10
	}
	if cfg.EliteCount <= 0 {
		cfg.EliteCount = 2
	}
	if cfg.EliteCount > cfg.PopulationSize {
		cfg.EliteCount = cfg.PopulationSize
	}
	if cfg.Generations <= 0 {
		cfg.Generations = 5
	}
	if cfg.Crossover == "" {
		cfg.Crossover = evo.CrossoverSwap
	}
	if cfg.Selector == "" {
		cfg.Selector = "tournament"
	}
	if cfg.Postprocessor == "" {
		cfg.Postprocessor = "none"
	}
	if cfg.GamingK == 0 {
		cfg.GamingK = evo.DefaultGamingK
	}
	return cfg
}

func seedID(runID string) func(int) string {
	return func(i int) string { return fmt.Sprintf("%s-g0-i%d", runID, i) }
}

type preparedRun struct {
	run     model.RunRecord
	monitor *evo.PopulationMonitor
	initial []tlprogram.ProgramSet
	rec     *runRecorder
}

func (p *Polis) prepare(ctx context.Context, req RunRequest) (*preparedRun, error) {
	if !p.Started() {
		return nil, fmt.Errorf("polis is not initialized")
	}
	raw := req.Config
	if raw.PopulationSize <= 0 && len(req.Initial) > 0 {
		raw.PopulationSize = len(req.Initial)
	}
	cfg := NormalizeRunConfig(raw)
	evaluator, ok := p.Evaluator(cfg.Evaluator)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEvaluatorNotFound, cfg.Evaluator)
	}
	selector, err := evo.ResolveSelector(cfg.Selector)
	if err != nil {
		return nil, err
	}
	postprocessor, err := evo.ResolvePostprocessor(cfg.Postprocessor, cfg.CollisionCost)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if _, exists, err := p.store.GetRun(ctx, runID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("run already exists: %s", runID)
	}

	initial := req.Initial
	if len(initial) == 0 && len(req.Template.Programs) > 0 {
		if err := req.Template.Validate(); err != nil {
			return nil, fmt.Errorf("template: %w", err)
		}
		rng := rand.New(rand.NewSource(cfg.Seed))
		initial = tlprogram.SeedPopulation(rng, req.Template, cfg.PopulationSize, cfg.Entropy, seedID(runID))
	}
	if len(initial) == 0 {
		ids := req.IntersectionIDs
		if len(ids) == 0 {
			if lister, ok := evaluator.(intersectionLister); ok {
				ids = lister.IntersectionIDs()
			}
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("intersection ids are required for evaluator %s", cfg.Evaluator)
		}
		rng := rand.New(rand.NewSource(cfg.Seed))
		template := tlprogram.Template(runID+"-template", ids)
		initial = tlprogram.SeedPopulation(rng, template, cfg.PopulationSize, cfg.Entropy, seedID(runID))
	}

	rec := newRunRecorder(p.store, model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              runID,
		Status:          model.RunRunning,
		Config:          cfg,
		StartedAt:       time.Now().UTC(),
	}, initial)
	observers := []evo.Observer{rec, p.hub.Observer(runID)}
	if p.metrics != nil {
		observers = append(observers, p.metrics.Observer(runID))
	}
	if p.publisher != nil {
		observers = append(observers, review.Forwarder(runID, p.publisher))
	}

	monitor, err := evo.NewPopulationMonitor(evo.MonitorConfig{
		Evaluator:         evaluator,
		Selector:          selector,
		Postprocessor:     postprocessor,
		PopulationSize:    cfg.PopulationSize,
		EliteCount:        cfg.EliteCount,
		Generations:       cfg.Generations,
		Workers:           cfg.Workers,
		Seed:              cfg.Seed,
		MutationRate:      cfg.MutationRate,
		MutationDecay:     cfg.MutationDecay,
		Crossover:         cfg.Crossover,
		EvaluationTimeout: time.Duration(cfg.TimeoutSeconds * float64(time.Second)),
		GamingK:           cfg.GamingK,
		IDPrefix:          runID,
		Observers:         observers,
		Logger:            p.log.With("run", runID),
	})
	if err != nil {
		return nil, err
	}
	return &preparedRun{run: rec.run, monitor: monitor, initial: initial, rec: rec}, nil
}

// RunEvolution runs one evolution to completion and persists it. The run
// record is written before the first generation and updated after every
// generation; a cancelled or failed run is recorded as failed.
func (p *Polis) RunEvolution(ctx context.Context, req RunRequest) (RunOutcome, error) {
	prepared, err := p.prepare(ctx, req)
	if err != nil {
		return RunOutcome{}, err
	}
	if err := p.store.SaveRun(ctx, prepared.run); err != nil {
		return RunOutcome{}, err
	}
	p.hub.Open(prepared.run.ID)
	return p.execute(ctx, prepared)
}

func (p *Polis) execute(ctx context.Context, prepared *preparedRun) (RunOutcome, error) {
	if p.metrics != nil {
		p.metrics.RunStarted()
	}
	p.log.Info("run started", "run", prepared.run.ID, "evaluator", prepared.run.Config.Evaluator,
		"population", prepared.run.Config.PopulationSize, "generations", prepared.run.Config.Generations)

	result, runErr := prepared.monitor.Run(ctx, prepared.initial)

	run, err := prepared.rec.finish(context.WithoutCancel(ctx), result, runErr)
	if p.metrics != nil {
		p.metrics.RunFinished(string(run.Status), run.FinishedAt.Sub(run.StartedAt))
	}
	p.hub.Finish(run)
	if runErr != nil {
		p.log.Warn("run failed", "run", run.ID, "error", runErr)
		return RunOutcome{Run: run}, runErr
	}
	if err != nil {
		return RunOutcome{Run: run}, err
	}
	p.log.Info("run completed", "run", run.ID, "best", run.BestFitness, "best_id", run.BestID, "flagged", run.Flagged)
	return RunOutcome{Run: run, Result: result}, nil
}

// StartRun validates req, records the run and evolves it in the background.
// The returned record is in the running state.
func (p *Polis) StartRun(ctx context.Context, req RunRequest) (model.RunRecord, error) {
	prepared, err := p.prepare(ctx, req)
	if err != nil {
		return model.RunRecord{}, err
	}
	if err := p.store.SaveRun(ctx, prepared.run); err != nil {
		return model.RunRecord{}, err
	}
	p.hub.Open(prepared.run.ID)
	err = p.background.start(prepared.run.ID, func(runCtx context.Context) {
		_, _ = p.execute(runCtx, prepared)
	})
	if err != nil {
		return model.RunRecord{}, err
	}
	return prepared.run, nil
}

// CancelRun stops a background run. The run is recorded as failed.
func (p *Polis) CancelRun(runID string) error {
	if !p.background.cancel(runID) {
		return fmt.Errorf("%w: %s is not running", ErrRunNotFound, runID)
	}
	return nil
}

// ActiveRuns lists the ids of background runs in progress.
func (p *Polis) ActiveRuns() []string {
	return p.background.active()
}

func (p *Polis) Runs(ctx context.Context) ([]model.RunRecord, error) {
	return p.store.ListRuns(ctx)
}

func (p *Polis) Run(ctx context.Context, runID string) (model.RunRecord, error) {
	run, ok, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !ok {
		return model.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

func (p *Polis) Diagnostics(ctx context.Context, runID string) ([]model.GenerationDiagnostics, error) {
	if _, err := p.Run(ctx, runID); err != nil {
		return nil, err
	}
	diagnostics, _, err := p.store.GetGenerationDiagnostics(ctx, runID)
	return diagnostics, err
}

func (p *Polis) FitnessHistory(ctx context.Context, runID string) ([]float64, error) {
	if _, err := p.Run(ctx, runID); err != nil {
		return nil, err
	}
	history, _, err := p.store.GetFitnessHistory(ctx, runID)
	return history, err
}

func (p *Polis) Flagged(ctx context.Context, runID string) ([]model.FlaggedIndividual, error) {
	if _, err := p.Run(ctx, runID); err != nil {
		return nil, err
	}
	flagged, _, err := p.store.GetFlagged(ctx, runID)
	return flagged, err
}

func (p *Polis) Lineage(ctx context.Context, runID string) ([]model.LineageRecord, error) {
	if _, err := p.Run(ctx, runID); err != nil {
		return nil, err
	}
	lineage, _, err := p.store.GetLineage(ctx, runID)
	return lineage, err
}

// ProgramSet returns a stored individual of runID: the best of the run or
// one of its flagged individuals.
func (p *Polis) ProgramSet(ctx context.Context, runID, setID string) (model.ProgramSetRecord, error) {
	record, ok, err := p.store.GetProgramSet(ctx, runID, setID)
	if err != nil {
		return model.ProgramSetRecord{}, err
	}
	if !ok {
		return model.ProgramSetRecord{}, fmt.Errorf("program set not found: run=%s set=%s", runID, setID)
	}
	return record, nil
}

// Subscribe follows the live stream of runID. When the hub no longer holds
// the run, because its stream was evicted or another process evolved it,
// the replay is rebuilt from the store and the update channel is closed.
func (p *Polis) Subscribe(ctx context.Context, runID string) ([]StreamMessage, <-chan StreamMessage, func(), error) {
	if _, err := p.Run(ctx, runID); err != nil {
		return nil, nil, nil, err
	}
	if replay, updates, cancel, ok := p.hub.Subscribe(runID); ok {
		return replay, updates, cancel, nil
	}
	replay, err := p.storedStream(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	updates := make(chan StreamMessage)
	close(updates)
	return replay, updates, func() {}, nil
}

func (p *Polis) storedStream(ctx context.Context, runID string) ([]StreamMessage, error) {
	run, err := p.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	diagnostics, _, err := p.store.GetGenerationDiagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	flagged, _, err := p.store.GetFlagged(ctx, runID)
	if err != nil {
		return nil, err
	}
	byGeneration := lo.GroupBy(flagged, func(f model.FlaggedIndividual) int { return f.Generation })

	stamp := run.StartedAt.UTC().Format(time.RFC3339)
	out := make([]StreamMessage, 0, len(diagnostics)+1)
	for i := range diagnostics {
		diag := diagnostics[i]
		out = append(out, StreamMessage{
			Type:        MessageGeneration,
			RunID:       runID,
			Generation:  diag.Generation,
			Diagnostics: &diag,
			Flagged:     byGeneration[diag.Generation],
			Timestamp:   stamp,
		})
	}
	if run.Status != model.RunRunning {
		out = append(out, StreamMessage{
			Type:       MessageFinished,
			RunID:      runID,
			Generation: run.Generation,
			Run:        &run,
			Timestamp:  run.FinishedAt.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// WaitRun blocks until the background run runID has finished.
func (p *Polis) WaitRun(ctx context.Context, runID string) error {
	return p.background.wait(ctx, runID)
}
