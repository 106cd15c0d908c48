package tlprogram

import "math/rand"

// Lane groups of the default eight-symbol state: for each approach in the
// order north, south, east, west, a forward symbol then a turning symbol.
const LaneGroups = 8

// DefaultProgram is a fixed-cycle plan: north-south through, north-south
// turns, east-west through, east-west turns, each followed by a short
// yellow. Green phases sit at even indexes.
func DefaultProgram(id string) Program {
	return Program{
		ID:        id,
		Type:      "static",
		ProgramID: "0",
		Offset:    "0",
		Phases: []Phase{
			{Duration: 20, State: "GrGrrrrr"},
			{Duration: 3, State: "yryrrrrr"},
			{Duration: 10, State: "rGrGrrrr"},
			{Duration: 3, State: "ryryrrrr"},
			{Duration: 20, State: "rrrrGrGr"},
			{Duration: 3, State: "rrrryryr"},
			{Duration: 10, State: "rrrrrGrG"},
			{Duration: 3, State: "rrrrryry"},
		},
	}
}

// Template builds a set holding DefaultProgram for every id.
func Template(id string, intersectionIDs []string) ProgramSet {
	programs := make([]Program, 0, len(intersectionIDs))
	for _, iid := range intersectionIDs {
		programs = append(programs, DefaultProgram(iid))
	}
	return NewProgramSet(id, programs...)
}

// SeedPopulation clones template n times. All but the first individual get
// entropy applied with probability entropy, which diversifies generation 0.
func SeedPopulation(rng *rand.Rand, template ProgramSet, n int, entropy float64, idFn func(int) string) []ProgramSet {
	out := make([]ProgramSet, 0, n)
	for i := 0; i < n; i++ {
		ind := template.Offspring(idFn(i))
		if i > 0 && rng.Float64() < entropy {
			ind.ApplyEntropy(rng)
		}
		out = append(out, ind)
	}
	return out
}

// GroupDurations compiles a program into an oscillator for one lane group:
// green is the summed duration of phases granting that group a green
// symbol, red is the rest of the cycle. Both are at least one tick. States
// shorter than the group index wrap around.
func (p Program) GroupDurations(group int) (green, red int) {
	for _, phase := range p.Phases {
		if phase.State == "" {
			red += phase.Duration
			continue
		}
		if IsGreen(phase.State[group%len(phase.State)]) {
			green += phase.Duration
		} else {
			red += phase.Duration
		}
	}
	if green < 1 {
		green = 1
	}
	if red < 1 {
		red = 1
	}
	return green, red
}
