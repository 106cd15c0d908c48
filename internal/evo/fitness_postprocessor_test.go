package evo

import (
	"testing"

	"trafficevo/internal/tlprogram"
)

func TestCollisionPenaltyIsDerivedFromRawFitness(t *testing.T) {
	a := scoredSet("a", 100)
	a.Set.Collisions = 3
	b := scoredSet("b", 110)

	post := CollisionPenaltyPostprocessor{Weight: 5}
	once := post.Process([]ScoredSet{a, b})
	twice := post.Process(once)

	if once[0].Set.Fitness != 115 {
		t.Fatalf("unexpected adjusted fitness: got=%f want=115", once[0].Set.Fitness)
	}
	if twice[0].Set.Fitness != 115 {
		t.Fatalf("penalty applied twice: got=%f", twice[0].Set.Fitness)
	}
	if once[1].Set.Fitness != 110 {
		t.Fatalf("collision-free set changed: %f", once[1].Set.Fitness)
	}
}

func TestCollisionPenaltySkipsFailedSets(t *testing.T) {
	f := failed(tlprogram.Template("f", []string{"r0c0"}), errTest)
	f.Set.Collisions = 4
	out := CollisionPenaltyPostprocessor{Weight: 1}.Process([]ScoredSet{f})
	if out[0].Set.Fitness != FailedFitness {
		t.Fatalf("failed set fitness changed: %f", out[0].Set.Fitness)
	}
}

func TestNoopPostprocessorKeepsCloneIsolation(t *testing.T) {
	scored := []ScoredSet{scoredSet("g", 1)}
	out := NoopFitnessPostprocessor{}.Process(scored)
	out[0].Raw = 999
	if scored[0].Raw == 999 {
		t.Fatal("expected postprocessor output to be cloned from input")
	}
}
