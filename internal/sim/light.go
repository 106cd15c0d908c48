package sim

import (
	"errors"
	"fmt"
	"math/rand"
)

// Random timings drawn for lights that are not configured explicitly.
const (
	MinRandomDuration = 6
	MaxRandomDuration = 12
)

var ErrInvalidDuration = errors.New("light durations must be > 0")

type SignalState uint8

const (
	Red SignalState = iota
	Green
)

func (s SignalState) String() string {
	if s == Green {
		return "green"
	}
	return "red"
}

// Timing holds the four oscillator periods of one approach light.
type Timing struct {
	RedForward   int `json:"red_forward"`
	GreenForward int `json:"green_forward"`
	RedTurn      int `json:"red_turn"`
	GreenTurn    int `json:"green_turn"`
}

// IsZero reports whether no duration was configured at all.
func (t Timing) IsZero() bool {
	return t == Timing{}
}

func (t Timing) Validate() error {
	if t.RedForward <= 0 || t.GreenForward <= 0 || t.RedTurn <= 0 || t.GreenTurn <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidDuration, t)
	}
	return nil
}

func RandomTiming(rng *rand.Rand) Timing {
	draw := func() int {
		return MinRandomDuration + rng.Intn(MaxRandomDuration-MinRandomDuration+1)
	}
	return Timing{
		RedForward:   draw(),
		GreenForward: draw(),
		RedTurn:      draw(),
		GreenTurn:    draw(),
	}
}

// Light is the signal head facing one approach. The forward and turning
// sub-signals are free-running divide-by-duration oscillators.
type Light struct {
	timing  Timing
	forward SignalState
	turn    SignalState
}

func NewLight(timing Timing) (*Light, error) {
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	return &Light{timing: timing, forward: Green, turn: Green}, nil
}

// Update advances both sub-signals to the given tick.
func (l *Light) Update(tick int) {
	l.forward = step(l.forward, tick, l.timing.RedForward, l.timing.GreenForward)
	l.turn = step(l.turn, tick, l.timing.RedTurn, l.timing.GreenTurn)
}

func step(state SignalState, tick, redDur, greenDur int) SignalState {
	switch state {
	case Red:
		if tick%redDur == 0 {
			return Green
		}
	case Green:
		if tick%greenDur == 0 {
			return Red
		}
	}
	return state
}

func (l *Light) Forward() SignalState { return l.forward }

func (l *Light) Turn() SignalState { return l.turn }

func (l *Light) Timing() Timing { return l.timing }

func (l *Light) State(m Movement) SignalState {
	if m == Turning {
		return l.turn
	}
	return l.forward
}

func (l *Light) Green(m Movement) bool {
	return l.State(m) == Green
}
