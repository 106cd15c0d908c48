package evo

import (
	"fmt"
	"math/rand"

	"trafficevo/internal/tlprogram"
)

// Selector chooses parents from a ranked (best first) list of scored sets.
// Failed individuals are never passed in.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []ScoredSet, eliteCount int) (tlprogram.ProgramSet, error)
}

// EliteSelector picks uniformly from the top elite set.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) PickParent(rng *rand.Rand, ranked []ScoredSet, eliteCount int) (tlprogram.ProgramSet, error) {
	if rng == nil {
		return tlprogram.ProgramSet{}, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return tlprogram.ProgramSet{}, fmt.Errorf("invalid elite count: %d", eliteCount)
	}
	return ranked[rng.Intn(eliteCount)].Set, nil
}

// TournamentSelector samples TournamentSize candidates with replacement from
// the first PoolSize ranked sets and keeps the one with the lowest fitness.
// A zero PoolSize samples the whole ranked list.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []ScoredSet, eliteCount int) (tlprogram.ProgramSet, error) {
	if rng == nil {
		return tlprogram.ProgramSet{}, fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return tlprogram.ProgramSet{}, fmt.Errorf("%w: nothing to select from", ErrPopulationExhausted)
	}

	poolSize := s.PoolSize
	if poolSize <= 0 || poolSize > len(ranked) {
		poolSize = len(ranked)
	}
	if poolSize < eliteCount && eliteCount <= len(ranked) {
		poolSize = eliteCount
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}

	best := ranked[rng.Intn(poolSize)]
	for i := 1; i < tournamentSize; i++ {
		candidate := ranked[rng.Intn(poolSize)]
		if candidate.Set.Fitness < best.Set.Fitness {
			best = candidate
		}
	}
	return best.Set, nil
}
