package evo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"trafficevo/internal/fitness"
	"trafficevo/internal/tlprogram"
)

var ErrPopulationExhausted = errors.New("no individual in the population could be evaluated")

// FailedFitness is the fitness recorded for an individual whose evaluation
// failed. Such individuals are excluded from elitism, selection and
// statistics; the value only keeps them last when ranked.
const FailedFitness = math.MaxFloat64

// ScoredSet pairs a program set with the unadjusted evaluator fitness and
// the evaluator trace.
type ScoredSet struct {
	Set   tlprogram.ProgramSet
	Raw   float64
	Trace fitness.Trace
}

type RunResult struct {
	Best                  tlprogram.ProgramSet
	BestByGeneration      []float64
	GenerationDiagnostics []GenerationDiagnostics
	Flagged               []FlaggedIndividual
	FinalPopulation       []ScoredSet
	Lineage               []LineageRecord
}

type GenerationDiagnostics struct {
	Generation   int     `json:"generation"`
	BestID       string  `json:"best_id"`
	BestFitness  float64 `json:"best_fitness"`
	MeanFitness  float64 `json:"mean_fitness"`
	StdDev       float64 `json:"stddev_fitness"`
	WorstFitness float64 `json:"worst_fitness"`
	Evaluated    int     `json:"evaluated"`
	Failed       int     `json:"failed"`
	Flagged      int     `json:"flagged"`
	MutationRate float64 `json:"mutation_rate"`
}

// FlaggedIndividual is one gaming-detector hit; Index is the rank of the set
// within its generation.
type FlaggedIndividual struct {
	Generation int                  `json:"generation"`
	Index      int                  `json:"index"`
	Set        tlprogram.ProgramSet `json:"set"`
}

type LineageRecord struct {
	SetID      string   `json:"set_id"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
	Generation int      `json:"generation"`
	Operation  string   `json:"operation"`
	Swapped    []string `json:"swapped,omitempty"`
}

type MonitorConfig struct {
	Evaluator      fitness.Evaluator
	Selector       Selector
	Postprocessor  FitnessPostprocessor
	PopulationSize int
	EliteCount     int
	Generations    int
	Workers        int
	Seed           int64
	MutationRate   float64
	// MutationDecay scales the rate by (1 - generation/Generations).
	MutationDecay     bool
	Crossover         string
	Strategy          tlprogram.Strategy
	EvaluationTimeout time.Duration
	GamingK           float64
	// IDPrefix is prepended to offspring ids.
	IDPrefix  string
	Observers []Observer
	Logger    *slog.Logger
}

type PopulationMonitor struct {
	cfg MonitorConfig
	rng *rand.Rand
	log *slog.Logger
}

func NewPopulationMonitor(cfg MonitorConfig) (*PopulationMonitor, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.PopulationSize <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if cfg.EliteCount <= 0 || cfg.EliteCount > cfg.PopulationSize {
		return nil, fmt.Errorf("elite count must be in [1, population size]")
	}
	if cfg.Generations <= 0 {
		return nil, fmt.Errorf("generations must be > 0")
	}
	if cfg.MutationRate < 0 || cfg.MutationRate > 1 {
		return nil, fmt.Errorf("mutation rate must be in [0, 1]")
	}
	if cfg.GamingK < 0 {
		return nil, fmt.Errorf("gaming k must be >= 0")
	}
	if cfg.GamingK == 0 {
		cfg.GamingK = DefaultGamingK
	}
	if cfg.Crossover == "" {
		cfg.Crossover = CrossoverSwap
	}
	if !validCrossover(cfg.Crossover) {
		return nil, fmt.Errorf("unsupported crossover: %s", cfg.Crossover)
	}
	if cfg.Strategy == (tlprogram.Strategy{}) {
		cfg.Strategy = tlprogram.DefaultStrategy()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Selector == nil {
		cfg.Selector = TournamentSelector{TournamentSize: 3}
	}
	if cfg.Postprocessor == nil {
		cfg.Postprocessor = NoopFitnessPostprocessor{}
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "set"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &PopulationMonitor{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		log: logger,
	}, nil
}

// Run evolves initial for the configured number of generations and returns
// the lowest-fitness individual ever scored together with per-generation
// diagnostics. A single failed evaluation never aborts the run; context
// cancellation does.
func (m *PopulationMonitor) Run(ctx context.Context, initial []tlprogram.ProgramSet) (RunResult, error) {
	if len(initial) != m.cfg.PopulationSize {
		return RunResult{}, fmt.Errorf("initial population mismatch: got=%d want=%d", len(initial), m.cfg.PopulationSize)
	}
	wantIDs := initial[0].IDs()
	for _, set := range initial {
		if err := set.Validate(); err != nil {
			return RunResult{}, err
		}
		if ids := set.IDs(); !lo.Every(wantIDs, ids) || len(ids) != len(wantIDs) {
			return RunResult{}, fmt.Errorf("%w: %s", tlprogram.ErrProgramSetMismatch, set.ID)
		}
	}

	population := make([]ScoredSet, len(initial))
	lineage := make([]LineageRecord, 0, len(initial)*(m.cfg.Generations+1))
	for i, set := range initial {
		seed := set.Clone()
		if seed.Status != tlprogram.StatusScored {
			seed.Status = tlprogram.StatusPending
		}
		population[i] = ScoredSet{Set: seed, Raw: seed.Fitness}
		lineage = append(lineage, LineageRecord{
			SetID:      seed.ID,
			ParentIDs:  append([]string(nil), seed.ParentIDs...),
			Generation: 0,
			Operation:  "seed",
		})
	}

	bestHistory := make([]float64, 0, m.cfg.Generations)
	diagnostics := make([]GenerationDiagnostics, 0, m.cfg.Generations)
	var flaggedAll []FlaggedIndividual
	var best tlprogram.ProgramSet
	var ranked []ScoredSet

	for gen := 0; gen < m.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		evaluated, err := m.evaluatePopulation(ctx, population)
		if err != nil {
			return RunResult{}, err
		}
		ranked = rankPopulation(m.cfg.Postprocessor.Process(population))
		scoredCount := countScored(ranked)
		if scoredCount == 0 {
			return RunResult{}, fmt.Errorf("generation %d: %w", gen+1, ErrPopulationExhausted)
		}

		sets := lo.Map(ranked, func(item ScoredSet, _ int) tlprogram.ProgramSet { return item.Set })
		flagged := DetectGaming(sets, m.cfg.GamingK)
		rate := m.mutationRate(gen)
		diag := summarizeGeneration(ranked, gen+1, evaluated, len(flagged), rate)
		diagnostics = append(diagnostics, diag)
		bestHistory = append(bestHistory, diag.BestFitness)
		if gen == 0 || ranked[0].Set.Fitness <= best.Fitness {
			best = ranked[0].Set.Clone()
		}

		generationFlags := make([]FlaggedIndividual, 0, len(flagged))
		for _, idx := range lo.Keys(flagged) {
			generationFlags = append(generationFlags, FlaggedIndividual{Generation: gen + 1, Index: idx, Set: flagged[idx]})
		}
		sort.Slice(generationFlags, func(i, j int) bool { return generationFlags[i].Index < generationFlags[j].Index })
		flaggedAll = append(flaggedAll, generationFlags...)

		m.log.Info("generation complete",
			"generation", diag.Generation,
			"best", diag.BestFitness,
			"mean", diag.MeanFitness,
			"stddev", diag.StdDev,
			"evaluated", diag.Evaluated,
			"failed", diag.Failed,
			"flagged", diag.Flagged,
		)

		var generationLineage []LineageRecord
		if gen < m.cfg.Generations-1 {
			population, generationLineage, err = m.nextGeneration(ctx, ranked[:scoredCount], gen, rate)
			if err != nil {
				return RunResult{}, err
			}
			lineage = append(lineage, generationLineage...)
		}

		m.notify(ctx, GenerationReport{
			Generation:  gen + 1,
			Diagnostics: diag,
			Best:        ranked[0].Set,
			Population:  ranked,
			Flagged:     generationFlags,
			Lineage:     generationLineage,
		})
	}

	return RunResult{
		Best:                  best,
		BestByGeneration:      bestHistory,
		GenerationDiagnostics: diagnostics,
		Flagged:               flaggedAll,
		FinalPopulation:       ranked,
		Lineage:               lineage,
	}, nil
}

func (m *PopulationMonitor) notify(ctx context.Context, report GenerationReport) {
	for _, observer := range m.cfg.Observers {
		if err := observer.ObserveGeneration(ctx, report); err != nil {
			m.log.Warn("generation observer failed", "generation", report.Generation, "error", err)
		}
	}
}

func (m *PopulationMonitor) mutationRate(generation int) float64 {
	if !m.cfg.MutationDecay {
		return m.cfg.MutationRate
	}
	return m.cfg.MutationRate * (1 - float64(generation)/float64(m.cfg.Generations))
}

// rankPopulation orders scored sets by ascending fitness with failed ones
// last. Ties keep their previous order.
func rankPopulation(population []ScoredSet) []ScoredSet {
	ranked := cloneScored(population)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Set, ranked[j].Set
		if a.Scored() != b.Scored() {
			return a.Scored()
		}
		return a.Fitness < b.Fitness
	})
	return ranked
}

func countScored(ranked []ScoredSet) int {
	return lo.CountBy(ranked, func(item ScoredSet) bool { return item.Set.Scored() })
}

func summarizeGeneration(ranked []ScoredSet, generation, evaluated, flagged int, rate float64) GenerationDiagnostics {
	diag := GenerationDiagnostics{
		Generation:   generation,
		Evaluated:    evaluated,
		Flagged:      flagged,
		MutationRate: rate,
	}
	values := make([]float64, 0, len(ranked))
	for _, item := range ranked {
		if item.Set.Scored() {
			values = append(values, item.Set.Fitness)
		} else {
			diag.Failed++
		}
	}
	if len(values) == 0 {
		return diag
	}
	diag.BestID = ranked[0].Set.ID
	diag.MeanFitness, diag.StdDev = MeanStdDev(values)
	diag.BestFitness, diag.WorstFitness = MinMax(values)
	return diag
}

// evaluatePopulation scores every pending individual in place on a worker
// pool and returns how many were evaluated. Individuals carried over with a
// score keep it.
func (m *PopulationMonitor) evaluatePopulation(ctx context.Context, population []ScoredSet) (int, error) {
	type job struct {
		idx int
		set tlprogram.ProgramSet
	}
	type result struct {
		idx    int
		scored ScoredSet
	}

	pending := make([]int, 0, len(population))
	for i := range population {
		if population[i].Set.Status != tlprogram.StatusScored {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	jobs := make(chan job)
	results := make(chan result, len(pending))

	workerCount := m.cfg.Workers
	if workerCount > len(pending) {
		workerCount = len(pending)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- result{idx: j.idx, scored: m.evaluateSet(ctx, j.set)}
			}
		}()
	}

	for _, idx := range pending {
		jobs <- job{idx: idx, set: population[idx].Set}
	}
	close(jobs)

	wg.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for res := range results {
		population[res.idx] = res.scored
	}
	return len(pending), nil
}

func (m *PopulationMonitor) evaluateSet(ctx context.Context, set tlprogram.ProgramSet) ScoredSet {
	if err := ctx.Err(); err != nil {
		return failed(set, err)
	}
	evalCtx := ctx
	if m.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, m.cfg.EvaluationTimeout)
		defer cancel()
	}

	res, err := m.cfg.Evaluator.Evaluate(evalCtx, set)
	if err == nil && (math.IsNaN(res.Fitness) || math.IsInf(res.Fitness, 0)) {
		err = fmt.Errorf("evaluator %s returned non-finite fitness", m.cfg.Evaluator.Name())
	}
	if err != nil {
		m.log.Warn("evaluation failed", "set", set.ID, "error", err)
		return failed(set, err)
	}

	set.Status = tlprogram.StatusScored
	set.Failure = ""
	set.Fitness = res.Fitness
	set.Penalty = res.Penalty
	set.Collisions = res.Collisions
	set.Scenarios = res.Scenarios
	return ScoredSet{Set: set, Raw: res.Fitness, Trace: res.Trace}
}

func failed(set tlprogram.ProgramSet, err error) ScoredSet {
	set.Status = tlprogram.StatusFailed
	set.Failure = err.Error()
	set.Fitness = FailedFitness
	return ScoredSet{Set: set, Raw: FailedFitness}
}

func (m *PopulationMonitor) nextGeneration(ctx context.Context, ranked []ScoredSet, generation int, rate float64) ([]ScoredSet, []LineageRecord, error) {
	next := make([]ScoredSet, 0, m.cfg.PopulationSize)
	lineage := make([]LineageRecord, 0, m.cfg.PopulationSize)
	nextGeneration := generation + 1

	eliteCount := m.cfg.EliteCount
	if eliteCount > len(ranked) {
		eliteCount = len(ranked)
	}
	for i := 0; i < eliteCount; i++ {
		elite := ranked[i]
		elite.Set = elite.Set.Clone()
		next = append(next, elite)
		lineage = append(lineage, LineageRecord{
			SetID:      elite.Set.ID,
			ParentIDs:  []string{elite.Set.ID},
			Generation: nextGeneration,
			Operation:  "elite_clone",
		})
	}

	for len(next) < m.cfg.PopulationSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		a, err := m.cfg.Selector.PickParent(m.rng, ranked, eliteCount)
		if err != nil {
			return nil, nil, err
		}
		b, err := m.cfg.Selector.PickParent(m.rng, ranked, eliteCount)
		if err != nil {
			return nil, nil, err
		}

		children, records, err := m.breed(a, b, nextGeneration, len(next), rate)
		if err != nil {
			return nil, nil, err
		}
		for i := range children {
			if len(next) >= m.cfg.PopulationSize {
				break
			}
			next = append(next, ScoredSet{Set: children[i]})
			lineage = append(lineage, records[i])
		}
	}
	return next, lineage, nil
}

// breed crosses two parents into two pending children and mutates both.
func (m *PopulationMonitor) breed(a, b tlprogram.ProgramSet, generation, nextIndex int, rate float64) ([]tlprogram.ProgramSet, []LineageRecord, error) {
	var left, right tlprogram.ProgramSet
	var swapped []string
	var err error
	switch m.cfg.Crossover {
	case CrossoverSwap:
		left, right, swapped, err = a.Recombine(m.rng, b)
	case CrossoverPhases:
		left, right, err = a.RecombinePhases(b, m.cfg.Strategy)
	default:
		left, right = a.Clone(), b.Clone()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("recombine %s x %s: %w", a.ID, b.ID, err)
	}

	parents := []string{a.ID, b.ID}
	children := []tlprogram.ProgramSet{left, right}
	records := make([]LineageRecord, len(children))
	for i := range children {
		id := fmt.Sprintf("%s-g%d-i%d", m.cfg.IDPrefix, generation, nextIndex+i)
		child := children[i].Offspring(id, parents...)
		ops := make([]string, 0, 2)
		if m.cfg.Crossover != CrossoverNone {
			ops = append(ops, "recombine_"+m.cfg.Crossover)
		}
		if child.Mutate(m.rng, rate) {
			ops = append(ops, "mutate")
		}
		if len(ops) == 0 {
			ops = append(ops, "clone")
		}
		children[i] = child
		records[i] = LineageRecord{
			SetID:      id,
			ParentIDs:  append([]string(nil), parents...),
			Generation: generation,
			Operation:  strings.Join(ops, "+"),
			Swapped:    swapped,
		}
	}
	return children, records, nil
}
