package sim

import (
	"fmt"
	"math/rand"
)

// GenerateOccupancy grows a city outward from its centre cell. Each round
// picks an existing intersection and occupies one free torus neighbour of it.
func GenerateOccupancy(seed int64, rows, cols, complexity int) (Occupancy, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("city dimensions must be > 0: rows=%d cols=%d", rows, cols)
	}
	if complexity < 0 {
		return nil, fmt.Errorf("complexity must be >= 0")
	}
	rng := rand.New(rand.NewSource(seed))
	city := make(Occupancy, rows)
	for r := range city {
		city[r] = make([]int, cols)
	}
	city[rows/2][cols/2] = 1

	neighbors := func(row, col int) []Coord {
		out := make([]Coord, 0, 4)
		for _, d := range [4]Direction{East, West, South, North} {
			dr, dc := d.offset()
			out = append(out, Coord{Row: (row + dr + rows) % rows, Col: (col + dc + cols) % cols})
		}
		return out
	}

	for i := 0; i < complexity; i++ {
		occupied := make([]Coord, 0)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if city[r][c] == 1 {
					occupied = append(occupied, Coord{Row: r, Col: c})
				}
			}
		}
		pick := occupied[rng.Intn(len(occupied))]
		around := neighbors(pick.Row, pick.Col)

		free := make([]Coord, 0, len(around))
		for _, n := range around {
			if city[n.Row][n.Col] == 0 {
				free = append(free, n)
			}
		}
		if len(free) == 0 {
			continue
		}
		grown := free[rng.Intn(len(free))]
		city[grown.Row][grown.Col] = 1

		// Close a loop back onto an occupied neighbour of the picked cell.
		linked := make([]Coord, 0, len(around))
		for _, n := range around {
			if city[n.Row][n.Col] == 1 {
				linked = append(linked, n)
			}
		}
		loop := linked[rng.Intn(len(linked))]
		city[loop.Row][loop.Col] = 1
	}
	return city, nil
}
