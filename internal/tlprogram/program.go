package tlprogram

import (
	"errors"
	"fmt"
	"math/rand"
)

// RecombineTailSkip is the number of trailing phase pairs Program.Recombine
// leaves untouched. The final phase of a cycle is always inherited as-is.
const RecombineTailSkip = 1

var ErrPhaseCountMismatch = errors.New("programs have different phase counts")

// Program is the signal plan of a single intersection.
type Program struct {
	ID        string  `json:"id" msgpack:"id"`
	Type      string  `json:"type,omitempty" msgpack:"type"`
	ProgramID string  `json:"program_id,omitempty" msgpack:"program"`
	Offset    string  `json:"offset,omitempty" msgpack:"offset"`
	Phases    []Phase `json:"phases" msgpack:"phases"`
}

func (p Program) Clone() Program {
	out := p
	out.Phases = append([]Phase(nil), p.Phases...)
	return out
}

// Cycle is the summed duration of every phase.
func (p Program) Cycle() int {
	total := 0
	for _, phase := range p.Phases {
		total += phase.Duration
	}
	return total
}

func (p Program) Validate() error {
	if p.ID == "" {
		return errors.New("program id is required")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("program %s has no phases", p.ID)
	}
	for i, phase := range p.Phases {
		if phase.Duration < MinDuration || phase.Duration > MaxDuration {
			return fmt.Errorf("program %s phase %d duration %d out of [%d,%d]", p.ID, i, phase.Duration, MinDuration, MaxDuration)
		}
		if phase.State == "" {
			return fmt.Errorf("program %s phase %d has empty state", p.ID, i)
		}
	}
	return nil
}

// Mutate picks one even-indexed (green) phase with probability rate and
// applies a point mutation to it.
func (p *Program) Mutate(rng *rand.Rand, rate float64) bool {
	if len(p.Phases) == 0 || rng.Float64() >= rate {
		return false
	}
	even := (len(p.Phases) + 1) / 2
	idx := 2 * rng.Intn(even)
	return p.Phases[idx].Mutate(rng, 1)
}

// Recombine crosses phases pairwise by position, in place on both programs.
// It returns the number of phase pairs that were recombined.
func (p *Program) Recombine(partner *Program, strategy Strategy) (int, error) {
	if len(p.Phases) != len(partner.Phases) {
		return 0, fmt.Errorf("%w: %s=%d %s=%d", ErrPhaseCountMismatch, p.ID, len(p.Phases), partner.ID, len(partner.Phases))
	}
	pairs := len(p.Phases) - RecombineTailSkip
	for i := 0; i < pairs; i++ {
		p.Phases[i].Recombine(&partner.Phases[i], strategy)
	}
	if pairs < 0 {
		pairs = 0
	}
	return pairs, nil
}

func (p *Program) ApplyEntropy(rng *rand.Rand) {
	for i := range p.Phases {
		p.Phases[i].ApplyEntropy(rng)
	}
}
