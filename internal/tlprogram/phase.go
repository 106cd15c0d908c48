package tlprogram

import (
	"math/rand"
	"strings"
)

const (
	MinDuration = 1
	MaxDuration = 240
)

// Alphabet holds the signal symbols mutation may write into a state.
const Alphabet = "rgGuoO"

// Signal symbols that count as a green grant when compiling a program.
const greenSymbols = "gGs"

// DurationStrategy controls how Phase.Recombine exchanges durations.
type DurationStrategy string

const (
	DurationSwap            DurationStrategy = "swap"
	DurationTakeFromSelf    DurationStrategy = "take_from_self"
	DurationTakeFromPartner DurationStrategy = "take_from_partner"
)

// StateStrategy controls how Phase.Recombine exchanges state strings.
type StateStrategy string

const (
	StateZipper      StateStrategy = "zipper"
	StateHalfAndHalf StateStrategy = "half_and_half"
)

type Strategy struct {
	Duration DurationStrategy `json:"duration"`
	State    StateStrategy    `json:"state"`
}

func DefaultStrategy() Strategy {
	return Strategy{Duration: DurationSwap, State: StateZipper}
}

type Phase struct {
	Duration int    `json:"duration" msgpack:"duration"`
	State    string `json:"state" msgpack:"state"`
}

func IsGreen(symbol byte) bool {
	return strings.IndexByte(greenSymbols, symbol) >= 0
}

// Mutate applies one point mutation with probability rate: either one state
// symbol is redrawn from Alphabet or the duration is redrawn uniformly.
func (p *Phase) Mutate(rng *rand.Rand, rate float64) bool {
	if rng.Float64() >= rate {
		return false
	}
	if rng.Intn(2) == 0 && len(p.State) > 0 {
		idx := rng.Intn(len(p.State))
		b := []byte(p.State)
		b[idx] = Alphabet[rng.Intn(len(Alphabet))]
		p.State = string(b)
		return true
	}
	p.Duration = randomDuration(rng)
	return true
}

// Recombine exchanges material between p and partner in place.
func (p *Phase) Recombine(partner *Phase, strategy Strategy) {
	switch strategy.Duration {
	case DurationTakeFromSelf:
		partner.Duration = p.Duration
	case DurationTakeFromPartner:
		p.Duration = partner.Duration
	default:
		p.Duration, partner.Duration = partner.Duration, p.Duration
	}

	switch strategy.State {
	case StateHalfAndHalf:
		a, b := p.State, partner.State
		ma, mb := len(a)/2, len(b)/2
		p.State = a[:ma] + b[mb:]
		partner.State = a[ma:] + b[:mb]
	default:
		combined := zip(p.State, partner.State)
		n := len(p.State)
		p.State = combined[:n]
		partner.State = combined[n:]
	}
}

// ApplyEntropy redraws the duration and every state symbol.
func (p *Phase) ApplyEntropy(rng *rand.Rand) {
	p.Duration = randomDuration(rng)
	b := make([]byte, len(p.State))
	for i := range b {
		b[i] = Alphabet[rng.Intn(len(Alphabet))]
	}
	p.State = string(b)
}

// zip interleaves two strings symbol by symbol: ("abcd", "12") -> "a1b2cd".
func zip(a, b string) string {
	var out strings.Builder
	out.Grow(len(a) + len(b))
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			out.WriteByte(a[i])
		}
		if i < len(b) {
			out.WriteByte(b[i])
		}
	}
	return out.String()
}

func randomDuration(rng *rand.Rand) int {
	return MinDuration + rng.Intn(MaxDuration-MinDuration+1)
}
