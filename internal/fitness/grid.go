package fitness

import (
	"context"
	"errors"
	"fmt"

	"trafficevo/internal/sim"
	"trafficevo/internal/tlprogram"
)

const (
	DefaultTickCeiling   = 20000
	DefaultMaxTripLength = 6
)

type GridConfig struct {
	Occupancy     sim.Occupancy
	Seed          int64
	InitialLoad   sim.LoadRange
	MaxTripLength int
	TickCeiling   int
	Workers       int
}

// GridEvaluator scores a program set by the number of ticks the in-process
// city simulator needs to drain every vehicle.
type GridEvaluator struct {
	cfg GridConfig
}

func NewGridEvaluator(cfg GridConfig) (*GridEvaluator, error) {
	if err := cfg.Occupancy.Validate(); err != nil {
		return nil, err
	}
	if cfg.InitialLoad == (sim.LoadRange{}) {
		cfg.InitialLoad = sim.LoadRange{Min: 0, Max: 1}
	}
	if cfg.MaxTripLength <= 0 {
		cfg.MaxTripLength = DefaultMaxTripLength
	}
	if cfg.TickCeiling <= 0 {
		cfg.TickCeiling = DefaultTickCeiling
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &GridEvaluator{cfg: cfg}, nil
}

func (*GridEvaluator) Name() string { return "grid" }

// IntersectionIDs lists the ids a program set must govern for this city.
func (e *GridEvaluator) IntersectionIDs() []string {
	return IntersectionIDs(e.cfg.Occupancy)
}

func (e *GridEvaluator) Evaluate(ctx context.Context, set tlprogram.ProgramSet) (Result, error) {
	timings, err := CompileTimings(set, e.cfg.Occupancy)
	if err != nil {
		return Result{}, err
	}
	grid, err := sim.NewGrid(sim.GridConfig{
		Occupancy:     e.cfg.Occupancy,
		Timings:       timings,
		Seed:          e.cfg.Seed,
		InitialLoad:   e.cfg.InitialLoad,
		MaxTripLength: e.cfg.MaxTripLength,
		Workers:       e.cfg.Workers,
	})
	if err != nil {
		return Result{}, err
	}
	stats, err := grid.Run(ctx, sim.RunOptions{UntilEmpty: true, TickCeiling: e.cfg.TickCeiling})
	result := Result{
		Fitness:    float64(stats.Ticks),
		Ticks:      stats.Ticks,
		Collisions: stats.CollisionIntersections,
		Trace: Trace{
			"delivered":        stats.Delivered,
			"dropped":          stats.Dropped,
			"remaining":        stats.Remaining,
			"collision_events": stats.CollisionEvents,
			"mean_latency":     stats.MeanLatency,
		},
	}
	if err != nil {
		if errors.Is(err, sim.ErrTickCeiling) {
			return result, fmt.Errorf("program set %s: %w", set.ID, err)
		}
		return result, err
	}
	return result, nil
}

func IntersectionIDs(o sim.Occupancy) []string {
	var ids []string
	for r := 0; r < o.Rows(); r++ {
		for c := 0; c < o.Cols(); c++ {
			if o.Occupied(r, c) {
				ids = append(ids, sim.IntersectionID(r, c))
			}
		}
	}
	return ids
}

// CompileTimings turns each intersection's program into approach light
// timings. Lane group 2d drives the forward signal of direction d and
// group 2d+1 its turning signal.
func CompileTimings(set tlprogram.ProgramSet, o sim.Occupancy) (map[sim.Coord]sim.ApproachTimings, error) {
	out := make(map[sim.Coord]sim.ApproachTimings)
	for r := 0; r < o.Rows(); r++ {
		for c := 0; c < o.Cols(); c++ {
			if !o.Occupied(r, c) {
				continue
			}
			id := sim.IntersectionID(r, c)
			program, ok := set.Programs[id]
			if !ok {
				return nil, fmt.Errorf("program set %s has no program for intersection %s", set.ID, id)
			}
			var timings sim.ApproachTimings
			for _, d := range sim.Directions {
				greenF, redF := program.GroupDurations(2 * int(d))
				greenT, redT := program.GroupDurations(2*int(d) + 1)
				timings[d] = sim.Timing{RedForward: redF, GreenForward: greenF, RedTurn: redT, GreenTurn: greenT}
			}
			out[sim.Coord{Row: r, Col: c}] = timings
		}
	}
	return out, nil
}
