package tlprogram

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestPhaseMutateRespectsRateAndBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := Phase{Duration: 30, State: "GrGr"}
	if p.Mutate(rng, 0) {
		t.Fatal("expected no mutation at rate 0")
	}
	if p != (Phase{Duration: 30, State: "GrGr"}) {
		t.Fatalf("phase changed at rate 0: %+v", p)
	}

	for i := 0; i < 200; i++ {
		if !p.Mutate(rng, 1) {
			t.Fatal("expected mutation at rate 1")
		}
		if p.Duration < MinDuration || p.Duration > MaxDuration {
			t.Fatalf("duration %d out of [%d,%d]", p.Duration, MinDuration, MaxDuration)
		}
		if len(p.State) != 4 {
			t.Fatalf("state length changed: %q", p.State)
		}
	}
}

func TestPhaseMutateWritesAlphabetSymbols(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p := Phase{Duration: 10, State: "yyyyyyyy"}
	for i := 0; i < 100; i++ {
		p.Mutate(rng, 1)
	}
	for _, ch := range p.State {
		if ch != 'y' && !strings.ContainsRune(Alphabet, ch) {
			t.Fatalf("symbol %q outside the alphabet", ch)
		}
	}
}

func TestPhaseRecombineSwapAndZipper(t *testing.T) {
	a := Phase{Duration: 5, State: "abcd"}
	b := Phase{Duration: 9, State: "1234"}
	a.Recombine(&b, DefaultStrategy())

	if a != (Phase{Duration: 9, State: "a1b2"}) || b != (Phase{Duration: 5, State: "c3d4"}) {
		t.Fatalf("unexpected recombination a=%+v b=%+v", a, b)
	}
}

func TestPhaseRecombineKeepsOriginalLengths(t *testing.T) {
	a := Phase{Duration: 5, State: "abcdef"}
	b := Phase{Duration: 9, State: "12"}
	a.Recombine(&b, DefaultStrategy())
	if len(a.State) != 6 || len(b.State) != 2 {
		t.Fatalf("lengths changed: a=%q b=%q", a.State, b.State)
	}
	if got := a.State + b.State; got != "a1b2cdef" {
		t.Fatalf("unexpected zipper %q", got)
	}
}

func TestPhaseRecombineAlternateStrategies(t *testing.T) {
	a := Phase{Duration: 5, State: "abcd"}
	b := Phase{Duration: 9, State: "1234"}
	a.Recombine(&b, Strategy{Duration: DurationTakeFromSelf, State: StateHalfAndHalf})
	if a != (Phase{Duration: 5, State: "ab34"}) || b != (Phase{Duration: 5, State: "cd12"}) {
		t.Fatalf("unexpected half-and-half a=%+v b=%+v", a, b)
	}

	c := Phase{Duration: 1, State: "x"}
	d := Phase{Duration: 2, State: "y"}
	c.Recombine(&d, Strategy{Duration: DurationTakeFromPartner, State: StateZipper})
	if c.Duration != 2 || d.Duration != 2 {
		t.Fatalf("expected both durations from partner, got c=%d d=%d", c.Duration, d.Duration)
	}
}

func TestPhaseApplyEntropy(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	p := Phase{Duration: 10, State: "yyyyyy"}
	p.ApplyEntropy(rng)
	if len(p.State) != 6 {
		t.Fatalf("state length changed: %q", p.State)
	}
	for _, ch := range p.State {
		if !strings.ContainsRune(Alphabet, ch) {
			t.Fatalf("symbol %q outside the alphabet", ch)
		}
	}
}

func TestProgramMutateOnlyTouchesEvenPhases(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	original := DefaultProgram("j1")
	for i := 0; i < 100; i++ {
		p := original.Clone()
		if !p.Mutate(rng, 1) {
			t.Fatal("expected mutation at rate 1")
		}
		for idx := 1; idx < len(p.Phases); idx += 2 {
			if p.Phases[idx] != original.Phases[idx] {
				t.Fatalf("odd phase %d changed: %+v -> %+v", idx, original.Phases[idx], p.Phases[idx])
			}
		}
	}

	p := original.Clone()
	if p.Mutate(rng, 0) {
		t.Fatal("expected no mutation at rate 0")
	}
	if !reflect.DeepEqual(original, p) {
		t.Fatalf("program changed at rate 0\nwant=%+v\ngot=%+v", original, p)
	}
}

func TestProgramRecombineSkipsFinalPhase(t *testing.T) {
	a := Program{ID: "a", Phases: []Phase{{1, "aa"}, {2, "bb"}, {3, "cc"}, {4, "dd"}}}
	b := Program{ID: "b", Phases: []Phase{{10, "AA"}, {20, "BB"}, {30, "CC"}, {40, "DD"}}}

	pairs, err := a.Recombine(&b, DefaultStrategy())
	if err != nil {
		t.Fatalf("recombine: %v", err)
	}
	if pairs != 3 {
		t.Fatalf("expected 3 recombined pairs, got %d", pairs)
	}
	for i := 0; i < 3; i++ {
		if a.Phases[i].Duration != (i+1)*10 || b.Phases[i].Duration != i+1 {
			t.Fatalf("phase %d durations not swapped: a=%d b=%d", i, a.Phases[i].Duration, b.Phases[i].Duration)
		}
	}
	if a.Phases[3] != (Phase{4, "dd"}) || b.Phases[3] != (Phase{40, "DD"}) {
		t.Fatalf("final phase touched: a=%+v b=%+v", a.Phases[3], b.Phases[3])
	}
}

func TestProgramRecombineRejectsPhaseCountMismatch(t *testing.T) {
	a := Program{ID: "a", Phases: []Phase{{1, "aa"}, {2, "bb"}}}
	b := Program{ID: "b", Phases: []Phase{{10, "AA"}}}
	before := a.Clone()

	_, err := a.Recombine(&b, DefaultStrategy())
	if !errors.Is(err, ErrPhaseCountMismatch) {
		t.Fatalf("expected phase count mismatch, got %v", err)
	}
	if !reflect.DeepEqual(before, a) {
		t.Fatalf("program changed on error: %+v", a)
	}
}

func TestProgramValidate(t *testing.T) {
	if err := DefaultProgram("x").Validate(); err != nil {
		t.Fatalf("default program invalid: %v", err)
	}
	for _, p := range []Program{
		{ID: "x"},
		{Phases: []Phase{{1, "r"}}},
		{ID: "x", Phases: []Phase{{0, "r"}}},
		{ID: "x", Phases: []Phase{{MaxDuration + 1, "r"}}},
	} {
		if err := p.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", p)
		}
	}
}

func TestGroupDurationsCompilesDefaultProgram(t *testing.T) {
	cases := []struct {
		name     string
		program  Program
		group    int
		green    int
		red      int
		checkRed bool
	}{
		{name: "first group", program: DefaultProgram("x"), group: 0, green: 20, red: 52, checkRed: true},
		{name: "later group", program: DefaultProgram("x"), group: 7, green: 10, red: 62, checkRed: true},
		{name: "never green", program: Program{ID: "r", Phases: []Phase{{5, "rr"}}}, group: 1, green: 1, red: 5, checkRed: true},
		// The group index wraps the state.
		{name: "wraps", program: Program{ID: "s", Phases: []Phase{{4, "Gr"}}}, group: 2, green: 4},
	}
	for _, tc := range cases {
		green, red := tc.program.GroupDurations(tc.group)
		if green != tc.green || (tc.checkRed && red != tc.red) {
			t.Fatalf("%s: expected green=%d red=%d, got green=%d red=%d", tc.name, tc.green, tc.red, green, red)
		}
	}
}
