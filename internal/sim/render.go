package sim

import (
	"fmt"
	"strings"
)

// Render draws the occupancy as ASCII: '+' for intersections, '|' and '-'
// for roads between linked neighbours.
func Render(o Occupancy) string {
	rows, cols := o.Rows(), o.Cols()
	canvas := make([][]byte, rows*2+1)
	for i := range canvas {
		canvas[i] = []byte(strings.Repeat(" ", cols*2+1))
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if !o.Occupied(r, c) {
				continue
			}
			canvas[r*2+1][c*2+1] = '+'
			if o.Occupied((r-1+rows)%rows, c) {
				canvas[r*2][c*2+1] = '|'
			}
			if o.Occupied((r+1)%rows, c) {
				canvas[r*2+2][c*2+1] = '|'
			}
			if o.Occupied(r, (c-1+cols)%cols) {
				canvas[r*2+1][c*2] = '-'
			}
			if o.Occupied(r, (c+1)%cols) {
				canvas[r*2+1][c*2+2] = '-'
			}
		}
	}
	lines := make([]string, len(canvas))
	for i, line := range canvas {
		lines[i] = strings.TrimRight(string(line), " ")
	}
	return strings.Join(lines, "\n")
}

// Format writes o in the form ParseOccupancy reads back.
func Format(o Occupancy) string {
	var b strings.Builder
	for r := 0; r < o.Rows(); r++ {
		for c := 0; c < o.Cols(); c++ {
			if o.Occupied(r, c) {
				b.WriteByte('1')
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseOccupancy reads a city drawn with '1'/'+'/'I' for intersections and
// '0'/'.' for empty cells, one row per line.
func ParseOccupancy(text string) (Occupancy, error) {
	var out Occupancy
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		row := make([]int, 0, len(line))
		for _, ch := range line {
			switch ch {
			case '1', '+', 'I':
				row = append(row, 1)
			case '0', '.':
				row = append(row, 0)
			case ' ', ',':
			default:
				return nil, &ParseError{Line: len(out) + 1, Char: ch}
			}
		}
		out = append(out, row)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

type ParseError struct {
	Line int
	Char rune
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("occupancy line %d: unexpected character %q", e.Line, e.Char)
}
