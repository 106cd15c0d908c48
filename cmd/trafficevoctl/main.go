package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"trafficevo/internal/fitness"
	"trafficevo/internal/model"
	"trafficevo/internal/sim"
	"trafficevo/internal/storage"
	"trafficevo/internal/tlprogram"
	"trafficevo/pkg/trafficevo"
)

const (
	exportsDir    = "exports"
	defaultDBPath = "trafficevo.db"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "city":
		return runCity(ctx, args[1:])
	case "simulate":
		return runSimulate(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "diagnostics":
		return runDiagnostics(ctx, args[1:])
	case "flagged":
		return runFlagged(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := trafficevo.New(trafficevo.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runCity(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("city", flag.ContinueOnError)
	rows := fs.Int("rows", 3, "grid rows")
	cols := fs.Int("cols", 3, "grid columns")
	complexity := fs.Int("complexity", 0, "street removal passes (0 keeps every cell occupied)")
	seed := fs.Int64("seed", 1, "city generation seed")
	out := fs.String("out", "", "write the city to this path in --city-file form")
	jsonOut := fs.Bool("json", false, "emit occupancy and intersection ids as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	occupancy, err := trafficevo.CityRequest{Rows: *rows, Cols: *cols, Complexity: *complexity, Seed: *seed}.Build()
	if err != nil {
		return err
	}
	rendered := sim.Render(occupancy)
	if *out != "" {
		if err := os.WriteFile(*out, []byte(sim.Format(occupancy)), 0o644); err != nil {
			return err
		}
	}
	ids := fitness.IntersectionIDs(occupancy)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Rows          int           `json:"rows"`
			Cols          int           `json:"cols"`
			Occupancy     sim.Occupancy `json:"occupancy"`
			Intersections []string      `json:"intersections"`
		}{
			Rows:          occupancy.Rows(),
			Cols:          occupancy.Cols(),
			Occupancy:     occupancy,
			Intersections: ids,
		})
	}
	fmt.Print(rendered)
	if !strings.HasSuffix(rendered, "\n") {
		fmt.Println()
	}
	fmt.Printf("rows=%d cols=%d intersections=%d\n", occupancy.Rows(), occupancy.Cols(), len(ids))
	return nil
}

func runSimulate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	rows := fs.Int("rows", 3, "grid rows")
	cols := fs.Int("cols", 3, "grid columns")
	complexity := fs.Int("complexity", 0, "street removal passes")
	citySeed := fs.Int64("city-seed", 1, "city generation seed")
	cityFile := fs.String("city-file", "", "city file written by city --out (overrides rows/cols/complexity)")
	seed := fs.Int64("seed", 1, "traffic seed")
	loadMin := fs.Int("load-min", 0, "minimum initial vehicles per queue")
	loadMax := fs.Int("load-max", 1, "maximum initial vehicles per queue")
	maxTrip := fs.Int("max-trip", fitness.DefaultMaxTripLength, "maximum trip length in intersections")
	ticks := fs.Int("ticks", 0, "run a fixed tick count instead of draining the city")
	tickCeiling := fs.Int("tick-ceiling", fitness.DefaultTickCeiling, "upper tick bound when draining")
	workers := fs.Int("workers", 0, "simulation workers (0 uses every cpu)")
	programsPath := fs.String("programs", "", "program set JSON (default: template programs)")
	random := fs.Bool("random", false, "draw light timings at random instead of compiling programs")
	showStatus := fs.Bool("status", false, "print per-intersection status after the run")
	jsonOut := fs.Bool("json", false, "emit stats as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *programsPath != "" && *random {
		return errors.New("use either --programs or --random")
	}

	city := trafficevo.CityRequest{Rows: *rows, Cols: *cols, Complexity: *complexity, Seed: *citySeed}
	if *cityFile != "" {
		occupancy, err := loadOccupancy(*cityFile)
		if err != nil {
			return err
		}
		city.Occupancy = occupancy
	}
	occupancy, err := city.Build()
	if err != nil {
		return err
	}

	var timings map[sim.Coord]sim.ApproachTimings
	if !*random {
		set := tlprogram.Template("template", fitness.IntersectionIDs(occupancy))
		if *programsPath != "" {
			if set, err = loadProgramSet(*programsPath); err != nil {
				return err
			}
		}
		if timings, err = fitness.CompileTimings(set, occupancy); err != nil {
			return err
		}
	}

	grid, err := sim.NewGrid(sim.GridConfig{
		Occupancy:     occupancy,
		Timings:       timings,
		Seed:          *seed,
		InitialLoad:   sim.LoadRange{Min: *loadMin, Max: *loadMax},
		MaxTripLength: *maxTrip,
		Workers:       *workers,
	})
	if err != nil {
		return err
	}
	opts := sim.RunOptions{Ticks: *ticks, TickCeiling: *tickCeiling}
	if *ticks <= 0 {
		opts.UntilEmpty = true
	}
	result, err := grid.Run(ctx, opts)
	if err != nil {
		return err
	}

	if *jsonOut {
		payload := struct {
			Stats  sim.Stats    `json:"stats"`
			Status []sim.Status `json:"status,omitempty"`
		}{Stats: result}
		if *showStatus {
			payload.Status = grid.Status()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	fmt.Printf("simulated ticks=%d delivered=%d dropped=%d remaining=%d collision_intersections=%d collision_events=%d mean_latency=%.3f completed=%t\n",
		result.Ticks,
		result.Delivered,
		result.Dropped,
		result.Remaining,
		result.CollisionIntersections,
		result.CollisionEvents,
		result.MeanLatency,
		result.Completed,
	)
	if *showStatus {
		for _, st := range grid.Status() {
			queued := 0
			for _, q := range st.Queues {
				queued += q[0] + q[1]
			}
			fmt.Printf("intersection=%s passed=%d queued=%d collided=%t collision_events=%d\n", st.ID, st.Passed, queued, st.Collided, st.Events)
		}
	}
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	evaluator := fs.String("evaluator", trafficevo.EvaluatorGrid, "fitness backend: grid|scenarios|command|bridge")
	rows := fs.Int("rows", 3, "grid rows")
	cols := fs.Int("cols", 3, "grid columns")
	complexity := fs.Int("complexity", 0, "street removal passes")
	citySeed := fs.Int64("city-seed", 1, "city generation and traffic seed")
	cityFile := fs.String("city-file", "", "city file written by city --out (overrides rows/cols/complexity)")
	loadMin := fs.Int("load-min", 0, "minimum initial vehicles per queue")
	loadMax := fs.Int("load-max", 1, "maximum initial vehicles per queue")
	maxTrip := fs.Int("max-trip", fitness.DefaultMaxTripLength, "maximum trip length in intersections")
	tickCeiling := fs.Int("tick-ceiling", fitness.DefaultTickCeiling, "tick bound of one simulation")
	simWorkers := fs.Int("sim-workers", 1, "workers inside one simulation")
	divergenceWeight := fs.Float64("divergence-weight", 0.5, "scenario spread penalty weight")
	simCommand := fs.String("sim-command", "", "external simulator binary (command evaluator)")
	simArgs := fs.String("sim-args", "", "extra simulator arguments, space separated")
	network := fs.String("network", "", "network XML path (command and bridge evaluators)")
	routes := fs.String("routes", "", "route file path (command evaluator)")
	bridgeNetwork := fs.String("bridge-network", "tcp", "bridge dial network: tcp|unix")
	bridgeAddress := fs.String("bridge-address", "", "bridge address (bridge evaluator)")
	teleportWeight := fs.Float64("teleport-weight", 0, "fitness cost per teleported vehicle (bridge evaluator)")
	timeout := fs.Float64("timeout", 0, "per-evaluation timeout in seconds (0 disables)")
	population := fs.Int("pop", 10, "population size")
	elite := fs.Int("elite", 2, "elite count")
	generations := fs.Int("gens", 5, "generation count")
	workers := fs.Int("workers", 4, "evaluation workers")
	seed := fs.Int64("seed", 1, "evolution rng seed")
	mutationRate := fs.Float64("mutation-rate", 0.3, "per-phase mutation probability")
	mutationDecay := fs.Bool("mutation-decay", false, "decay the mutation rate linearly over generations")
	entropy := fs.Float64("entropy", 0.2, "perturbation entropy of the seed population")
	crossover := fs.String("crossover", "swap", "crossover: swap|phases|none")
	selection := fs.String("selection", "tournament", "parent selection: tournament|elite")
	postprocessor := fs.String("fitness-postprocessor", "none", "fitness postprocessor: none|collision_penalty")
	collisionCost := fs.Float64("collision-cost", 0, "cost per collision event (collision_penalty)")
	gamingK := fs.Float64("gaming-k", 2, "gaming detector threshold in standard deviations")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	verbose := fs.Bool("verbose", false, "log run progress to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	var req trafficevo.RunRequest
	if *configPath != "" {
		loaded, err := loadOrDefaultRunRequest(*configPath)
		if err != nil {
			return err
		}
		req = loaded
	} else {
		setFlags = allRunFlags(fs)
	}
	if err := overrideFromFlags(&req, setFlags, map[string]any{
		"run-id":                *runID,
		"evaluator":             *evaluator,
		"rows":                  *rows,
		"cols":                  *cols,
		"complexity":            *complexity,
		"city-seed":             *citySeed,
		"city-file":             *cityFile,
		"load-min":              *loadMin,
		"load-max":              *loadMax,
		"max-trip":              *maxTrip,
		"tick-ceiling":          *tickCeiling,
		"sim-workers":           *simWorkers,
		"divergence-weight":     *divergenceWeight,
		"sim-command":           *simCommand,
		"sim-args":              *simArgs,
		"network":               *network,
		"routes":                *routes,
		"bridge-network":        *bridgeNetwork,
		"bridge-address":        *bridgeAddress,
		"teleport-weight":       *teleportWeight,
		"timeout":               *timeout,
		"pop":                   *population,
		"elite":                 *elite,
		"gens":                  *generations,
		"workers":               *workers,
		"seed":                  *seed,
		"mutation-rate":         *mutationRate,
		"mutation-decay":        *mutationDecay,
		"entropy":               *entropy,
		"crossover":             *crossover,
		"selection":             *selection,
		"fitness-postprocessor": *postprocessor,
		"collision-cost":        *collisionCost,
		"gaming-k":              *gamingK,
	}); err != nil {
		return err
	}
	if req.Config.PopulationSize <= 0 {
		return errors.New("population must be > 0")
	}
	if req.Config.Generations <= 0 {
		return errors.New("generations must be > 0")
	}

	opts := trafficevo.Options{StoreKind: *storeKind, DBPath: *dbPath}
	if *verbose {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	client, err := trafficevo.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, req)
	if err != nil {
		if summary.RunID != "" {
			return fmt.Errorf("run %s %s: %w", summary.RunID, summary.Status, err)
		}
		return err
	}

	evaluatorName := req.Evaluator.Kind
	if evaluatorName == "" {
		evaluatorName = trafficevo.EvaluatorGrid
	}
	fmt.Printf("run completed run_id=%s evaluator=%s pop=%d gens=%d seed=%d\n",
		summary.RunID,
		evaluatorName,
		req.Config.PopulationSize,
		req.Config.Generations,
		req.Config.Seed,
	)
	for i, best := range summary.BestByGeneration {
		fmt.Printf("generation=%d best_fitness=%.6f\n", i+1, best)
	}
	fmt.Printf("final_best_fitness=%.6f best_id=%s flagged=%d\n", summary.FinalBestFitness, summary.BestID, summary.Flagged)
	return nil
}

// allRunFlags marks every flag as set so that defaults apply when no config
// file is given.
func allRunFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.VisitAll(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := trafficevo.New(trafficevo.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	runs, err := client.Runs(ctx, trafficevo.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}

	if *jsonOut {
		if runs == nil {
			runs = []model.RunRecord{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("run_id=%s status=%s started_at=%s evaluator=%s pop=%d gens=%d best_fitness=%.6f flagged=%d\n",
			r.ID,
			r.Status,
			r.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
			r.Config.Evaluator,
			r.Config.PopulationSize,
			r.Config.Generations,
			r.BestFitness,
			r.Flagged,
		)
	}
	return nil
}

// queryFlags are the flags shared by the per-run query commands.
type queryFlags struct {
	runID     *string
	latest    *bool
	limit     *int
	jsonOut   *bool
	storeKind *string
	dbPath    *string
}

func addQueryFlags(fs *flag.FlagSet) queryFlags {
	return queryFlags{
		runID:     fs.String("run-id", "", "run id"),
		latest:    fs.Bool("latest", false, "use the most recent run"),
		limit:     fs.Int("limit", 0, "max entries to print (0 prints all)"),
		jsonOut:   fs.Bool("json", false, "emit entries as JSON"),
		storeKind: fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", defaultDBPath, "sqlite database path"),
	}
}

func (q queryFlags) open() (*trafficevo.Client, trafficevo.QueryRequest, error) {
	client, err := trafficevo.New(trafficevo.Options{StoreKind: *q.storeKind, DBPath: *q.dbPath})
	if err != nil {
		return nil, trafficevo.QueryRequest{}, err
	}
	return client, trafficevo.QueryRequest{RunID: *q.runID, Latest: *q.latest, Limit: *q.limit}, nil
}

func runDiagnostics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	q := addQueryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, req, err := q.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	diagnostics, err := client.Diagnostics(ctx, req)
	if err != nil {
		return err
	}
	if *q.jsonOut {
		return encodeJSON(diagnostics)
	}
	for _, d := range diagnostics {
		fmt.Printf("generation=%d best_id=%s best=%.6f mean=%.6f stddev=%.6f worst=%.6f evaluated=%d failed=%d flagged=%d mutation_rate=%.4f\n",
			d.Generation,
			d.BestID,
			d.BestFitness,
			d.MeanFitness,
			d.StdDev,
			d.WorstFitness,
			d.Evaluated,
			d.Failed,
			d.Flagged,
			d.MutationRate,
		)
	}
	return nil
}

func runFlagged(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("flagged", flag.ContinueOnError)
	q := addQueryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, req, err := q.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	flagged, err := client.Flagged(ctx, req)
	if err != nil {
		return err
	}
	if *q.jsonOut {
		return encodeJSON(flagged)
	}
	if len(flagged) == 0 {
		fmt.Println("no flagged individuals")
		return nil
	}
	for _, f := range flagged {
		fmt.Printf("generation=%d index=%d set_id=%s fitness=%.6f mean=%.6f stddev=%.6f\n",
			f.Generation, f.Index, f.SetID, f.Fitness, f.Mean, f.StdDev)
	}
	return nil
}

func runLineage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	q := addQueryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, req, err := q.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	lineage, err := client.Lineage(ctx, req)
	if err != nil {
		return err
	}
	if *q.jsonOut {
		return encodeJSON(lineage)
	}
	for _, l := range lineage {
		parents := strings.Join(l.ParentIDs, ",")
		if parents == "" {
			parents = "-"
		}
		swapped := strings.Join(l.Swapped, ",")
		if swapped == "" {
			swapped = "-"
		}
		fmt.Printf("generation=%d set_id=%s parents=%s operation=%s swapped=%s\n",
			l.Generation, l.SetID, parents, l.Operation, swapped)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "output directory")
	network := fs.String("network", "", "network XML to rewrite with the best programs")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := trafficevo.New(trafficevo.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Export(ctx, trafficevo.ExportRequest{
		RunID:       *runID,
		Latest:      *latest,
		OutDir:      *outDir,
		NetworkPath: *network,
	})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
	return nil
}

func encodeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadProgramSet(path string) (tlprogram.ProgramSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tlprogram.ProgramSet{}, err
	}
	var set tlprogram.ProgramSet
	if err := json.Unmarshal(data, &set); err != nil {
		return tlprogram.ProgramSet{}, fmt.Errorf("decode program set %s: %w", path, err)
	}
	if err := set.Validate(); err != nil {
		return tlprogram.ProgramSet{}, err
	}
	return set, nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: trafficevoctl <init|city|simulate|run|runs|diagnostics|flagged|lineage|export|serve> [flags]", msg)
}
