package sim

import (
	"errors"
	"reflect"
	"testing"
)

func TestGenerateOccupancyIsSeededAndGrowsFromCentre(t *testing.T) {
	a, err := GenerateOccupancy(9, 5, 6, 12)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateOccupancy(9, 5, 6, 12)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical cities for one seed\na=%v\nb=%v", a, b)
	}

	if err := a.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if a.Rows() != 5 || a.Cols() != 6 {
		t.Fatalf("expected 5x6, got %dx%d", a.Rows(), a.Cols())
	}
	if !a.Occupied(2, 3) {
		t.Fatal("expected the centre cell to be occupied")
	}

	occupied := 0
	for r := range a {
		for c := range a[r] {
			if a.Occupied(r, c) {
				occupied++
			}
		}
	}
	if occupied < 2 || occupied > 13 {
		t.Fatalf("expected 2..13 occupied cells, got %d", occupied)
	}
}

func TestGenerateOccupancyRejectsBadDimensions(t *testing.T) {
	if _, err := GenerateOccupancy(1, 0, 3, 1); err == nil {
		t.Fatal("expected error for zero rows")
	}
	if _, err := GenerateOccupancy(1, 3, 3, -1); err == nil {
		t.Fatal("expected error for negative growth")
	}
}

func TestRenderSingleCellWrapsOntoItself(t *testing.T) {
	if got := Render(Occupancy{{1}}); got != " |\n-+-\n |" {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestRenderCorridor(t *testing.T) {
	if got := Render(corridor()); got != "\n\n\n-+-+-+-\n\n\n" {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestParseOccupancy(t *testing.T) {
	o, err := ParseOccupancy("1.1\n.+.\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := (Occupancy{{1, 0, 1}, {0, 1, 0}}); !reflect.DeepEqual(o, want) {
		t.Fatalf("expected %v, got %v", want, o)
	}

	_, err = ParseOccupancy("1x")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Line != 1 {
		t.Fatalf("expected error on line 1, got %d", parseErr.Line)
	}

	if _, err := ParseOccupancy("11\n1"); err == nil {
		t.Fatal("expected ragged rows error")
	}
}

func TestFormatRoundTripsThroughParse(t *testing.T) {
	o, err := GenerateOccupancy(4, 4, 5, 6)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parsed, err := ParseOccupancy(Format(o))
	if err != nil {
		t.Fatalf("parse formatted: %v", err)
	}
	if !reflect.DeepEqual(o, parsed) {
		t.Fatalf("round trip mismatch\nwant=%v\ngot=%v", o, parsed)
	}
}
