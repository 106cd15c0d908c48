package sim

import (
	"fmt"
	"math/rand"
	"sync"
)

type Vehicle struct {
	ID      int
	Entered int
	// TripRemaining counts hops left before the vehicle reaches its
	// destination. Zero means the trip only ends at the city edge.
	TripRemaining int
}

type handoff struct {
	to       Coord
	approach Direction
	movement Movement
	vehicle  Vehicle
}

type flowReport struct {
	handoffs   []handoff
	delivered  []Vehicle
	dropped    []Vehicle
	collisions int
}

// Intersection owns up to four approach lights and the eight vehicle
// queues behind them. Neighbours are coordinates into the grid arena.
type Intersection struct {
	coord Coord

	mu        sync.Mutex
	lights    [4]*Light
	neighbors [4]Coord
	linked    [4]bool
	queues    [4][2][]Vehicle
	collided  bool
	events    int
	passed    int
	rng       *rand.Rand
}

func newIntersection(coord Coord, seed int64) *Intersection {
	return &Intersection{
		coord: coord,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (in *Intersection) Coord() Coord { return in.coord }

func (in *Intersection) ID() string { return in.coord.String() }

// link records the neighbour in direction d and creates the approach light
// the first time that side is connected.
func (in *Intersection) link(d Direction, to Coord, timing Timing) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.neighbors[d] = to
	in.linked[d] = true
	if in.lights[d] != nil {
		return nil
	}
	light, err := NewLight(timing)
	if err != nil {
		return fmt.Errorf("intersection %s %s light: %w", in.ID(), d, err)
	}
	in.lights[d] = light
	return nil
}

func (in *Intersection) Light(d Direction) (*Light, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lights[d], in.lights[d] != nil
}

func (in *Intersection) Neighbor(d Direction) (Coord, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.neighbors[d], in.linked[d]
}

func (in *Intersection) QueueLen(d Direction, m Movement) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queues[d][m])
}

func (in *Intersection) VehicleCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.vehicleCountLocked()
}

func (in *Intersection) vehicleCountLocked() int {
	total := 0
	for d := range in.queues {
		for m := range in.queues[d] {
			total += len(in.queues[d][m])
		}
	}
	return total
}

// Collided reports the sticky conflict flag.
func (in *Intersection) Collided() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.collided
}

func (in *Intersection) CollisionEvents() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.events
}

// Passed is the number of vehicles that cleared this intersection.
func (in *Intersection) Passed() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.passed
}

func (in *Intersection) enqueue(d Direction, m Movement, v Vehicle) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.lights[d] == nil {
		return fmt.Errorf("intersection %s has no %s approach", in.ID(), d)
	}
	in.queues[d][m] = append(in.queues[d][m], v)
	return nil
}

// flow advances the lights to tick and releases at most one vehicle from
// each green queue. Vehicles leaving toward a neighbour are returned as
// hand-offs for the grid to deliver.
func (in *Intersection) flow(tick int) flowReport {
	in.mu.Lock()
	defer in.mu.Unlock()

	for _, light := range in.lights {
		if light != nil {
			light.Update(tick)
		}
	}

	var report flowReport
	for _, m := range Movements {
		for _, d := range Directions {
			in.flowOne(d, m, &report)
		}
	}
	return report
}

func (in *Intersection) flowOne(d Direction, m Movement, report *flowReport) {
	light := in.lights[d]
	if light == nil || !light.Green(m) || len(in.queues[d][m]) == 0 {
		return
	}
	if in.conflicts(d, m) {
		in.collided = true
		in.events++
		report.collisions++
	}

	v := in.queues[d][m][0]
	in.queues[d][m] = in.queues[d][m][1:]
	in.passed++

	if v.TripRemaining == 1 {
		report.delivered = append(report.delivered, v)
		return
	}
	exit := exitDirection(d, m)
	if !in.linked[exit] {
		report.dropped = append(report.dropped, v)
		return
	}
	if v.TripRemaining > 1 {
		v.TripRemaining--
	}
	next := Forward
	if in.rng.Intn(2) == 1 {
		next = Turning
	}
	report.handoffs = append(report.handoffs, handoff{
		to:       in.neighbors[exit],
		approach: exit.Opposite(),
		movement: next,
		vehicle:  v,
	})
}

// conflicts reports whether releasing a vehicle on (d, m) crosses a movement
// that is currently green on another approach.
func (in *Intersection) conflicts(d Direction, m Movement) bool {
	green := func(dir Direction, mv Movement) bool {
		l := in.lights[dir]
		return l != nil && l.Green(mv)
	}
	cross := d.Cross()
	if m == Forward {
		return green(cross[0], Forward) || green(cross[1], Forward)
	}
	opposite := d.Opposite()
	if green(opposite, Forward) || green(opposite, Turning) {
		return true
	}
	for _, c := range cross {
		if green(c, Forward) || green(c, Turning) {
			return true
		}
	}
	return false
}

// Status is a point-in-time view of one intersection.
type Status struct {
	ID       string               `json:"id"`
	Coord    Coord                `json:"coord"`
	Lights   map[string][2]string `json:"lights"`
	Queues   map[string][2]int    `json:"queues"`
	Collided bool                 `json:"collided"`
	Events   int                  `json:"collision_events"`
	Passed   int                  `json:"passed"`
}

func (in *Intersection) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()

	st := Status{
		ID:       in.ID(),
		Coord:    in.coord,
		Lights:   make(map[string][2]string, 4),
		Queues:   make(map[string][2]int, 4),
		Collided: in.collided,
		Events:   in.events,
		Passed:   in.passed,
	}
	for _, d := range Directions {
		if in.lights[d] == nil {
			continue
		}
		st.Lights[d.String()] = [2]string{in.lights[d].Forward().String(), in.lights[d].Turn().String()}
		st.Queues[d.String()] = [2]int{len(in.queues[d][Forward]), len(in.queues[d][Turning])}
	}
	return st
}
