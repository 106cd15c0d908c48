package sim

import "fmt"

type Direction int

const (
	North Direction = iota
	South
	East
	West
)

// Directions lists approaches in flow order.
var Directions = [4]Direction{North, South, East, West}

func (d Direction) String() string {
	switch d {
	case North:
		return "north"
	case South:
		return "south"
	case East:
		return "east"
	case West:
		return "west"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	default:
		return East
	}
}

// Cross returns the two approaches on the perpendicular street.
func (d Direction) Cross() [2]Direction {
	if d == North || d == South {
		return [2]Direction{East, West}
	}
	return [2]Direction{North, South}
}

func (d Direction) offset() (dr, dc int) {
	switch d {
	case North:
		return -1, 0
	case South:
		return 1, 0
	case East:
		return 0, 1
	default:
		return 0, -1
	}
}

type Movement int

const (
	Forward Movement = iota
	Turning
)

var Movements = [2]Movement{Forward, Turning}

func (m Movement) String() string {
	if m == Turning {
		return "turning"
	}
	return "forward"
}

// turnExit maps an approach to the side a turning vehicle leaves through.
var turnExit = [4]Direction{
	North: East,
	South: West,
	East:  South,
	West:  North,
}

// exitDirection is the side of the intersection a vehicle queued on
// approach d with movement m leaves through.
func exitDirection(d Direction, m Movement) Direction {
	if m == Turning {
		return turnExit[d]
	}
	return d.Opposite()
}

type Coord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Coord) String() string {
	return IntersectionID(c.Row, c.Col)
}

func IntersectionID(row, col int) string {
	return fmt.Sprintf("r%dc%d", row, col)
}
