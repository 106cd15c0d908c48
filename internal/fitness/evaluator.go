package fitness

import (
	"context"
	"errors"

	"trafficevo/internal/tlprogram"
)

var ErrEvaluatorUnavailable = errors.New("evaluator unavailable")

type Trace map[string]any

// Result is the outcome of one evaluation. Lower Fitness is better.
type Result struct {
	Fitness    float64
	Ticks      int
	Collisions int
	Teleported int
	Penalty    float64
	Scenarios  map[string]tlprogram.ScenarioScore
	Trace      Trace
}

// Evaluator scores a program set. Implementations must be safe for
// concurrent use; every call works on private simulation state.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, set tlprogram.ProgramSet) (Result, error)
}

// Func adapts a plain function to the Evaluator interface.
type Func struct {
	Label string
	Fn    func(ctx context.Context, set tlprogram.ProgramSet) (Result, error)
}

func (f Func) Name() string { return f.Label }

func (f Func) Evaluate(ctx context.Context, set tlprogram.ProgramSet) (Result, error) {
	return f.Fn(ctx, set)
}
