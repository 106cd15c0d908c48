package tlprogram

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/samber/lo"
)

var ErrProgramSetMismatch = errors.New("program sets govern different intersections")

type Status string

const (
	StatusPending Status = "pending"
	StatusScored  Status = "scored"
	StatusFailed  Status = "failed"
)

// ScenarioScore is the outcome of one traffic scenario.
type ScenarioScore struct {
	Raw        float64 `json:"raw" msgpack:"raw"`
	Normalized float64 `json:"normalized" msgpack:"normalized"`
	Teleported int     `json:"teleported,omitempty" msgpack:"teleported"`
}

// ProgramSet is one individual: a program for every intersection of the
// city plus its evaluation bookkeeping. Lower fitness is better.
type ProgramSet struct {
	ID         string                   `json:"id" msgpack:"id"`
	ParentIDs  []string                 `json:"parent_ids,omitempty" msgpack:"parent_ids"`
	Programs   map[string]Program       `json:"programs" msgpack:"programs"`
	Fitness    float64                  `json:"fitness" msgpack:"fitness"`
	Status     Status                   `json:"status" msgpack:"status"`
	Failure    string                   `json:"failure,omitempty" msgpack:"failure"`
	Penalty    float64                  `json:"penalty,omitempty" msgpack:"penalty"`
	Collisions int                      `json:"collisions,omitempty" msgpack:"collisions"`
	Scenarios  map[string]ScenarioScore `json:"scenarios,omitempty" msgpack:"scenarios"`
}

func NewProgramSet(id string, programs ...Program) ProgramSet {
	set := ProgramSet{
		ID:       id,
		Programs: make(map[string]Program, len(programs)),
		Status:   StatusPending,
	}
	for _, p := range programs {
		set.Programs[p.ID] = p.Clone()
	}
	return set
}

// IDs returns the governed intersection ids in sorted order.
func (s ProgramSet) IDs() []string {
	ids := lo.Keys(s.Programs)
	sort.Strings(ids)
	return ids
}

func (s ProgramSet) Clone() ProgramSet {
	out := s
	out.ParentIDs = append([]string(nil), s.ParentIDs...)
	out.Programs = make(map[string]Program, len(s.Programs))
	for id, p := range s.Programs {
		out.Programs[id] = p.Clone()
	}
	if s.Scenarios != nil {
		out.Scenarios = make(map[string]ScenarioScore, len(s.Scenarios))
		for name, score := range s.Scenarios {
			out.Scenarios[name] = score
		}
	}
	return out
}

// Offspring is a deep copy with the evaluation state reset.
func (s ProgramSet) Offspring(id string, parents ...string) ProgramSet {
	out := s.Clone()
	out.ID = id
	out.ParentIDs = append([]string(nil), parents...)
	out.Fitness = 0
	out.Status = StatusPending
	out.Failure = ""
	out.Penalty = 0
	out.Collisions = 0
	out.Scenarios = nil
	return out
}

func (s ProgramSet) Scored() bool { return s.Status == StatusScored }

func (s ProgramSet) Validate() error {
	if len(s.Programs) == 0 {
		return fmt.Errorf("program set %s has no programs", s.ID)
	}
	for _, id := range s.IDs() {
		p := s.Programs[id]
		if p.ID != id {
			return fmt.Errorf("program set %s: key %s holds program %s", s.ID, id, p.ID)
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Mutate applies Program.Mutate to every program in id order. It reports
// whether any phase changed.
func (s *ProgramSet) Mutate(rng *rand.Rand, rate float64) bool {
	changed := false
	for _, id := range s.IDs() {
		p := s.Programs[id]
		if p.Mutate(rng, rate) {
			changed = true
		}
		s.Programs[id] = p
	}
	return changed
}

// Recombine swaps whole programs for a random non-empty subset of the
// shared intersection ids. Both children are deep copies of their parents
// apart from the swapped programs; the parents are left untouched.
func (s ProgramSet) Recombine(rng *rand.Rand, partner ProgramSet) (ProgramSet, ProgramSet, []string, error) {
	common, err := sharedIDs(s, partner)
	if err != nil {
		return ProgramSet{}, ProgramSet{}, nil, err
	}
	left, right := s.Clone(), partner.Clone()

	k := 1 + rng.Intn(len(common))
	picked := make([]string, 0, k)
	for _, idx := range rng.Perm(len(common))[:k] {
		picked = append(picked, common[idx])
	}
	sort.Strings(picked)
	for _, id := range picked {
		left.Programs[id], right.Programs[id] = right.Programs[id], left.Programs[id]
	}
	return left, right, picked, nil
}

// RecombinePhases crosses every shared program phase by phase. Both
// children are deep copies; a phase count mismatch on any program aborts
// without partial results.
func (s ProgramSet) RecombinePhases(partner ProgramSet, strategy Strategy) (ProgramSet, ProgramSet, error) {
	common, err := sharedIDs(s, partner)
	if err != nil {
		return ProgramSet{}, ProgramSet{}, err
	}
	for _, id := range common {
		if len(s.Programs[id].Phases) != len(partner.Programs[id].Phases) {
			return ProgramSet{}, ProgramSet{}, fmt.Errorf("program %s: %w", id, ErrPhaseCountMismatch)
		}
	}
	left, right := s.Clone(), partner.Clone()
	for _, id := range common {
		a, b := left.Programs[id], right.Programs[id]
		if _, err := a.Recombine(&b, strategy); err != nil {
			return ProgramSet{}, ProgramSet{}, err
		}
		left.Programs[id], right.Programs[id] = a, b
	}
	return left, right, nil
}

func (s *ProgramSet) ApplyEntropy(rng *rand.Rand) {
	for _, id := range s.IDs() {
		p := s.Programs[id]
		p.ApplyEntropy(rng)
		s.Programs[id] = p
	}
}

func sharedIDs(a, b ProgramSet) ([]string, error) {
	left, right := a.IDs(), b.IDs()
	common := lo.Intersect(left, right)
	if len(common) == 0 || len(common) != len(left) || len(common) != len(right) {
		return nil, fmt.Errorf("%w: %s has %d, %s has %d, shared %d", ErrProgramSetMismatch, a.ID, len(left), b.ID, len(right), len(common))
	}
	sort.Strings(common)
	return common, nil
}
