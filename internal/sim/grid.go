package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

var ErrTickCeiling = errors.New("tick ceiling exceeded before the city drained")

// Occupancy marks which cells of the city hold an intersection (non-zero).
type Occupancy [][]int

func (o Occupancy) Validate() error {
	if len(o) == 0 || len(o[0]) == 0 {
		return fmt.Errorf("occupancy must be non-empty")
	}
	cols := len(o[0])
	for r, row := range o {
		if len(row) != cols {
			return fmt.Errorf("occupancy row %d has %d cols, want %d", r, len(row), cols)
		}
	}
	return nil
}

func (o Occupancy) Rows() int { return len(o) }

func (o Occupancy) Cols() int {
	if len(o) == 0 {
		return 0
	}
	return len(o[0])
}

func (o Occupancy) Occupied(row, col int) bool {
	return o[row][col] != 0
}

// FullOccupancy returns a rows x cols city with every cell occupied.
func FullOccupancy(rows, cols int) Occupancy {
	out := make(Occupancy, rows)
	for r := range out {
		out[r] = make([]int, cols)
		for c := range out[r] {
			out[r][c] = 1
		}
	}
	return out
}

// ApproachTimings is indexed by Direction. A zero Timing means "draw one".
type ApproachTimings [4]Timing

type LoadRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type GridConfig struct {
	Occupancy Occupancy
	Timings   map[Coord]ApproachTimings
	Seed      int64
	// InitialLoad is the per-queue vehicle count drawn at construction.
	InitialLoad   LoadRange
	MaxTripLength int
	Workers       int
}

type RunOptions struct {
	Ticks       int
	UntilEmpty  bool
	TickCeiling int
}

type Stats struct {
	Ticks                  int     `json:"ticks"`
	Delivered              int     `json:"delivered"`
	Dropped                int     `json:"dropped"`
	Remaining              int     `json:"remaining"`
	CollisionIntersections int     `json:"collision_intersections"`
	CollisionEvents        int     `json:"collision_events"`
	MeanLatency            float64 `json:"mean_latency"`
	Completed              bool    `json:"completed"`
}

// Grid owns every intersection of one simulated city and drives the tick
// loop. Topology is fixed after NewGrid returns.
type Grid struct {
	occupancy Occupancy
	cells     map[Coord]*Intersection
	order     []*Intersection
	workers   int

	tick          int
	nextVehicle   int
	delivered     int
	dropped       int
	latencyTotal  int
	collisionHits int
}

func NewGrid(cfg GridConfig) (*Grid, error) {
	if err := cfg.Occupancy.Validate(); err != nil {
		return nil, err
	}
	if cfg.InitialLoad.Min < 0 || cfg.InitialLoad.Max < cfg.InitialLoad.Min {
		return nil, fmt.Errorf("invalid initial load range: %+v", cfg.InitialLoad)
	}
	if cfg.MaxTripLength < 0 {
		return nil, fmt.Errorf("max trip length must be >= 0")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	rows, cols := cfg.Occupancy.Rows(), cfg.Occupancy.Cols()
	g := &Grid{
		occupancy: cfg.Occupancy,
		cells:     make(map[Coord]*Intersection),
		workers:   workers,
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if !cfg.Occupancy.Occupied(r, c) {
				continue
			}
			in := newIntersection(Coord{Row: r, Col: c}, rng.Int63())
			g.cells[in.coord] = in
			g.order = append(g.order, in)
		}
	}
	if len(g.order) == 0 {
		return nil, fmt.Errorf("occupancy has no intersections")
	}

	for _, in := range g.order {
		for _, d := range Directions {
			dr, dc := d.offset()
			nr := (in.coord.Row + dr + rows) % rows
			nc := (in.coord.Col + dc + cols) % cols
			if !cfg.Occupancy.Occupied(nr, nc) {
				continue
			}
			timing := cfg.Timings[in.coord][d]
			if timing.IsZero() {
				timing = RandomTiming(rng)
			}
			if err := in.link(d, Coord{Row: nr, Col: nc}, timing); err != nil {
				return nil, err
			}
		}
	}

	for _, in := range g.order {
		for _, d := range Directions {
			if in.lights[d] == nil {
				continue
			}
			for _, m := range Movements {
				n := cfg.InitialLoad.Min
				if spread := cfg.InitialLoad.Max - cfg.InitialLoad.Min; spread > 0 {
					n += rng.Intn(spread + 1)
				}
				for i := 0; i < n; i++ {
					trip := 0
					if cfg.MaxTripLength > 0 {
						trip = 1 + rng.Intn(cfg.MaxTripLength)
					}
					in.queues[d][m] = append(in.queues[d][m], Vehicle{ID: g.nextVehicle, TripRemaining: trip})
					g.nextVehicle++
				}
			}
		}
	}
	return g, nil
}

func (g *Grid) Rows() int { return g.occupancy.Rows() }

func (g *Grid) Cols() int { return g.occupancy.Cols() }

func (g *Grid) Tick() int { return g.tick }

func (g *Grid) Intersection(c Coord) (*Intersection, bool) {
	in, ok := g.cells[c]
	return in, ok
}

// Intersections returns every intersection in row-major order.
func (g *Grid) Intersections() []*Intersection {
	out := make([]*Intersection, len(g.order))
	copy(out, g.order)
	return out
}

// AddVehicle queues a vehicle on an existing approach.
func (g *Grid) AddVehicle(c Coord, d Direction, m Movement, trip int) error {
	in, ok := g.cells[c]
	if !ok {
		return fmt.Errorf("no intersection at %s", c)
	}
	if trip < 0 {
		return fmt.Errorf("trip length must be >= 0")
	}
	if err := in.enqueue(d, m, Vehicle{ID: g.nextVehicle, Entered: g.tick, TripRemaining: trip}); err != nil {
		return err
	}
	g.nextVehicle++
	return nil
}

func (g *Grid) VehicleCount() int {
	total := 0
	for _, in := range g.order {
		total += in.VehicleCount()
	}
	return total
}

// Step runs one tick. Every intersection computes its outflow in parallel
// from its own state; hand-offs are then delivered in row-major order, so a
// vehicle moves at most one hop per tick. If ctx is cancelled mid-step, the
// intersections that already flowed still have their reports applied before
// the error is returned, so no vehicle is lost and the grid stays usable.
func (g *Grid) Step(ctx context.Context) error {
	g.tick++
	tick := g.tick
	reports := make([]flowReport, len(g.order))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i, in := range g.order {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			reports[i] = in.flow(tick)
			return nil
		})
	}
	flowErr := eg.Wait()

	var deliverErr error
	for _, report := range reports {
		for _, h := range report.handoffs {
			target, ok := g.cells[h.to]
			if !ok {
				deliverErr = errors.Join(deliverErr, fmt.Errorf("hand-off to unknown intersection %s", h.to))
				continue
			}
			if err := target.enqueue(h.approach, h.movement, h.vehicle); err != nil {
				deliverErr = errors.Join(deliverErr, err)
			}
		}
		for _, v := range report.delivered {
			g.delivered++
			g.latencyTotal += tick - v.Entered
		}
		for _, v := range report.dropped {
			g.dropped++
			g.latencyTotal += tick - v.Entered
		}
		g.collisionHits += report.collisions
	}
	if flowErr != nil {
		return flowErr
	}
	return deliverErr
}

// Run advances the city either for a fixed number of ticks or until no
// vehicles remain. With UntilEmpty, hitting TickCeiling returns the partial
// stats together with ErrTickCeiling.
func (g *Grid) Run(ctx context.Context, opts RunOptions) (Stats, error) {
	if opts.UntilEmpty {
		if opts.TickCeiling <= 0 {
			return Stats{}, fmt.Errorf("tick ceiling must be > 0 when running until empty")
		}
		start := g.tick
		for g.VehicleCount() > 0 {
			if g.tick-start >= opts.TickCeiling {
				return g.Stats(), fmt.Errorf("%w: ceiling=%d remaining=%d", ErrTickCeiling, opts.TickCeiling, g.VehicleCount())
			}
			if err := ctx.Err(); err != nil {
				return g.Stats(), err
			}
			if err := g.Step(ctx); err != nil {
				return g.Stats(), err
			}
		}
		return g.Stats(), nil
	}

	if opts.Ticks < 0 {
		return Stats{}, fmt.Errorf("ticks must be >= 0")
	}
	for i := 0; i < opts.Ticks; i++ {
		if err := ctx.Err(); err != nil {
			return g.Stats(), err
		}
		if err := g.Step(ctx); err != nil {
			return g.Stats(), err
		}
	}
	return g.Stats(), nil
}

func (g *Grid) Stats() Stats {
	st := Stats{
		Ticks:           g.tick,
		Delivered:       g.delivered,
		Dropped:         g.dropped,
		Remaining:       g.VehicleCount(),
		CollisionEvents: g.collisionHits,
	}
	for _, in := range g.order {
		if in.Collided() {
			st.CollisionIntersections++
		}
	}
	if exited := g.delivered + g.dropped; exited > 0 {
		st.MeanLatency = float64(g.latencyTotal) / float64(exited)
	}
	st.Completed = st.Remaining == 0
	return st
}

// Status returns a snapshot of every intersection in row-major order.
func (g *Grid) Status() []Status {
	out := make([]Status, 0, len(g.order))
	for _, in := range g.order {
		out = append(out, in.Status())
	}
	return out
}
