package trafficevo

import (
	"context"
	"fmt"
	"os"
	"time"

	"trafficevo/internal/fitness"
	"trafficevo/internal/sim"
	"trafficevo/internal/tlprogram"
)

const (
	EvaluatorGrid      = "grid"
	EvaluatorScenarios = "scenarios"
	EvaluatorCommand   = "command"
	EvaluatorBridge    = "bridge"
)

// CityRequest picks the city the built-in simulator runs on: an explicit
// occupancy, a generated one when Complexity is set, or a full grid.
type CityRequest struct {
	Occupancy  sim.Occupancy
	Rows       int
	Cols       int
	Complexity int
	Seed       int64
}

func (r CityRequest) Build() (sim.Occupancy, error) {
	if len(r.Occupancy) > 0 {
		return r.Occupancy, r.Occupancy.Validate()
	}
	rows, cols := r.Rows, r.Cols
	if rows <= 0 {
		rows = 3
	}
	if cols <= 0 {
		cols = 3
	}
	if r.Complexity > 0 {
		return sim.GenerateOccupancy(r.Seed, rows, cols, r.Complexity)
	}
	return sim.FullOccupancy(rows, cols), nil
}

// EvaluatorRequest configures one fitness backend. Only the fields of the
// chosen Kind are read.
type EvaluatorRequest struct {
	Kind string

	City          CityRequest
	LoadMin       int
	LoadMax       int
	MaxTripLength int
	TickCeiling   int
	SimWorkers    int
	// DivergenceWeight scales the cross-scenario spread penalty.
	DivergenceWeight float64

	Command     string
	CommandArgs []string
	NetworkPath string
	RoutePath   string
	WorkDir     string
	Timeout     time.Duration

	BridgeNetwork  string
	BridgeAddress  string
	TeleportWeight float64
}

// BuiltEvaluator is an evaluator with the programs a population over it is
// seeded from.
type BuiltEvaluator struct {
	Evaluator fitness.Evaluator
	Template  tlprogram.ProgramSet
}

// BuildEvaluator constructs the backend described by req. Scenario
// baselines are measured by scoring the default template once per
// scenario.
func BuildEvaluator(ctx context.Context, req EvaluatorRequest) (BuiltEvaluator, error) {
	kind := req.Kind
	if kind == "" {
		kind = EvaluatorGrid
	}
	switch kind {
	case EvaluatorGrid:
		grid, err := gridEvaluator(req, req.City.Seed, sim.LoadRange{Min: req.LoadMin, Max: req.LoadMax})
		if err != nil {
			return BuiltEvaluator{}, err
		}
		return BuiltEvaluator{Evaluator: grid, Template: tlprogram.Template("template", grid.IntersectionIDs())}, nil
	case EvaluatorScenarios:
		return scenarioEvaluator(ctx, req)
	case EvaluatorCommand:
		template, err := networkTemplate(req.NetworkPath)
		if err != nil {
			return BuiltEvaluator{}, err
		}
		cmd, err := fitness.NewCommandEvaluator(fitness.CommandConfig{
			Command:     req.Command,
			Args:        req.CommandArgs,
			NetworkPath: req.NetworkPath,
			RoutePath:   req.RoutePath,
			WorkDir:     req.WorkDir,
			Timeout:     req.Timeout,
		})
		if err != nil {
			return BuiltEvaluator{}, err
		}
		return BuiltEvaluator{Evaluator: cmd, Template: template}, nil
	case EvaluatorBridge:
		template, err := networkTemplate(req.NetworkPath)
		if err != nil {
			return BuiltEvaluator{}, err
		}
		bridge, err := fitness.NewBridgeEvaluator(fitness.BridgeConfig{
			Network:        req.BridgeNetwork,
			Address:        req.BridgeAddress,
			Timeout:        req.Timeout,
			TeleportWeight: req.TeleportWeight,
		})
		if err != nil {
			return BuiltEvaluator{}, err
		}
		return BuiltEvaluator{Evaluator: bridge, Template: template}, nil
	default:
		return BuiltEvaluator{}, fmt.Errorf("unsupported evaluator: %s", kind)
	}
}

func gridEvaluator(req EvaluatorRequest, seed int64, load sim.LoadRange) (*fitness.GridEvaluator, error) {
	occupancy, err := req.City.Build()
	if err != nil {
		return nil, err
	}
	return fitness.NewGridEvaluator(fitness.GridConfig{
		Occupancy:     occupancy,
		Seed:          seed,
		InitialLoad:   load,
		MaxTripLength: req.MaxTripLength,
		TickCeiling:   req.TickCeiling,
		Workers:       req.SimWorkers,
	})
}

// scenarioEvaluator scores every individual on a light and a heavy load of
// the same city.
func scenarioEvaluator(ctx context.Context, req EvaluatorRequest) (BuiltEvaluator, error) {
	loads := []struct {
		name string
		load sim.LoadRange
		seed int64
	}{
		{name: "light", load: sim.LoadRange{Min: 0, Max: 1}, seed: req.City.Seed},
		{name: "heavy", load: sim.LoadRange{Min: 2, Max: 4}, seed: req.City.Seed + 1},
	}
	var template tlprogram.ProgramSet
	scenarios := make([]fitness.Scenario, 0, len(loads))
	for _, l := range loads {
		grid, err := gridEvaluator(req, l.seed, l.load)
		if err != nil {
			return BuiltEvaluator{}, err
		}
		if template.Programs == nil {
			template = tlprogram.Template("template", grid.IntersectionIDs())
		}
		baseline, err := grid.Evaluate(ctx, template)
		if err != nil {
			return BuiltEvaluator{}, fmt.Errorf("baseline for scenario %s: %w", l.name, err)
		}
		if baseline.Fitness <= 0 {
			baseline.Fitness = 1
		}
		scenarios = append(scenarios, fitness.Scenario{Name: l.name, Evaluator: grid, Baseline: baseline.Fitness})
	}
	weight := req.DivergenceWeight
	if weight < 0 {
		return BuiltEvaluator{}, fmt.Errorf("divergence weight must be >= 0")
	}
	eval, err := fitness.NewScenarioEvaluator(weight, scenarios...)
	if err != nil {
		return BuiltEvaluator{}, err
	}
	return BuiltEvaluator{Evaluator: eval, Template: template}, nil
}

// networkTemplate reads the tlLogic programs of a network document.
func networkTemplate(path string) (tlprogram.ProgramSet, error) {
	if path == "" {
		return tlprogram.ProgramSet{}, fmt.Errorf("network path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return tlprogram.ProgramSet{}, err
	}
	defer f.Close()
	programs, err := tlprogram.ParseXML(f)
	if err != nil {
		return tlprogram.ProgramSet{}, err
	}
	if len(programs) == 0 {
		return tlprogram.ProgramSet{}, fmt.Errorf("network %s has no tlLogic programs", path)
	}
	return tlprogram.NewProgramSet("template", programs...), nil
}
