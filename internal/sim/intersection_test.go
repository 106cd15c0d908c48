package sim

import "testing"

type greenSignal struct {
	dir Direction
	mv  Movement
}

// intersectionWithGreens builds an intersection with a red light on every
// approach except the listed green sub-signals. Approaches in missing get
// no light at all.
func intersectionWithGreens(greens []greenSignal, missing ...Direction) *Intersection {
	in := newIntersection(Coord{}, 1)
	for _, d := range Directions {
		in.lights[d] = &Light{timing: Timing{1, 1, 1, 1}, forward: Red, turn: Red}
	}
	for _, g := range greens {
		if g.mv == Turning {
			in.lights[g.dir].turn = Green
		} else {
			in.lights[g.dir].forward = Green
		}
	}
	for _, d := range missing {
		in.lights[d] = nil
	}
	return in
}

func TestIntersectionConflictMatrix(t *testing.T) {
	cases := []struct {
		name    string
		dir     Direction
		mv      Movement
		greens  []greenSignal
		missing []Direction
		want    bool
	}{
		{name: "forward alone", dir: North, mv: Forward, want: false},
		{name: "forward vs cross forward east", dir: North, mv: Forward, greens: []greenSignal{{East, Forward}}, want: true},
		{name: "forward vs cross forward west", dir: North, mv: Forward, greens: []greenSignal{{West, Forward}}, want: true},
		{name: "forward vs cross turn", dir: North, mv: Forward, greens: []greenSignal{{East, Turning}, {West, Turning}}, want: false},
		{name: "forward vs opposing forward", dir: North, mv: Forward, greens: []greenSignal{{South, Forward}}, want: false},
		{name: "forward vs opposing turn", dir: North, mv: Forward, greens: []greenSignal{{South, Turning}}, want: false},
		{name: "forward vs own turn", dir: North, mv: Forward, greens: []greenSignal{{North, Turning}}, want: false},
		{name: "turn vs opposing turn only", dir: North, mv: Turning, greens: []greenSignal{{South, Turning}}, want: true},
		{name: "turn vs opposing forward", dir: North, mv: Turning, greens: []greenSignal{{South, Forward}}, want: true},
		{name: "turn vs cross forward", dir: North, mv: Turning, greens: []greenSignal{{West, Forward}}, want: true},
		{name: "turn vs cross turn", dir: North, mv: Turning, greens: []greenSignal{{East, Turning}}, want: true},
		{name: "turn vs own forward", dir: North, mv: Turning, greens: []greenSignal{{North, Forward}}, want: false},
		{name: "east forward vs north forward", dir: East, mv: Forward, greens: []greenSignal{{North, Forward}}, want: true},
		{name: "east turn vs west turn", dir: East, mv: Turning, greens: []greenSignal{{West, Turning}}, want: true},
		{name: "missing cross light", dir: North, mv: Forward, missing: []Direction{East, West}, want: false},
		{name: "missing opposing light", dir: North, mv: Turning, missing: []Direction{South}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := intersectionWithGreens(tc.greens, tc.missing...)
			if got := in.conflicts(tc.dir, tc.mv); got != tc.want {
				t.Fatalf("conflicts(%v, %v) = %v, want %v", tc.dir, tc.mv, got, tc.want)
			}
		})
	}
}
