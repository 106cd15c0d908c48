package evo

import "trafficevo/internal/tlprogram"

// FitnessPostprocessor adjusts fitness values after evaluation and before
// ranking/selection. It must derive fitness from ScoredSet.Raw so that
// carried-over elites are not adjusted twice.
type FitnessPostprocessor interface {
	Name() string
	Process(scored []ScoredSet) []ScoredSet
}

type NoopFitnessPostprocessor struct{}

func (NoopFitnessPostprocessor) Name() string {
	return "none"
}

func (NoopFitnessPostprocessor) Process(scored []ScoredSet) []ScoredSet {
	return cloneScored(scored)
}

// CollisionPenaltyPostprocessor adds Weight per intersection that saw a
// conflicting movement during evaluation.
type CollisionPenaltyPostprocessor struct {
	Weight float64
}

func (CollisionPenaltyPostprocessor) Name() string {
	return "collision_penalty"
}

func (p CollisionPenaltyPostprocessor) Process(scored []ScoredSet) []ScoredSet {
	out := cloneScored(scored)
	for i := range out {
		if out[i].Set.Status != tlprogram.StatusScored {
			continue
		}
		out[i].Set.Fitness = out[i].Raw + p.Weight*float64(out[i].Set.Collisions)
	}
	return out
}

func cloneScored(scored []ScoredSet) []ScoredSet {
	out := make([]ScoredSet, len(scored))
	copy(out, scored)
	return out
}
