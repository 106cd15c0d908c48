package fitness

import (
	"context"
	"errors"
	"fmt"

	"trafficevo/internal/tlprogram"
)

// Scenario is one traffic pattern, normalized against the score of the
// baseline program on that pattern.
type Scenario struct {
	Name      string
	Evaluator Evaluator
	Baseline  float64
}

// ScenarioEvaluator scores a set on several scenarios. Fitness is the mean
// normalized score plus DivergenceWeight times the spread between the best
// and worst normalized scores, so sets that do well on one pattern and
// badly on another are pushed apart from consistent ones.
type ScenarioEvaluator struct {
	scenarios        []Scenario
	divergenceWeight float64
}

func NewScenarioEvaluator(divergenceWeight float64, scenarios ...Scenario) (*ScenarioEvaluator, error) {
	if len(scenarios) == 0 {
		return nil, errors.New("at least one scenario is required")
	}
	if divergenceWeight < 0 {
		return nil, errors.New("divergence weight must be >= 0")
	}
	seen := make(map[string]struct{}, len(scenarios))
	for i, s := range scenarios {
		if s.Name == "" || s.Evaluator == nil {
			return nil, fmt.Errorf("scenario %d requires a name and an evaluator", i)
		}
		if s.Baseline <= 0 {
			return nil, fmt.Errorf("scenario %s baseline must be > 0", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate scenario %s", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return &ScenarioEvaluator{scenarios: scenarios, divergenceWeight: divergenceWeight}, nil
}

func (*ScenarioEvaluator) Name() string { return "scenarios" }

func (e *ScenarioEvaluator) Evaluate(ctx context.Context, set tlprogram.ProgramSet) (Result, error) {
	out := Result{
		Scenarios: make(map[string]tlprogram.ScenarioScore, len(e.scenarios)),
		Trace:     Trace{},
	}
	var sum, lo, hi float64
	for i, s := range e.scenarios {
		r, err := s.Evaluator.Evaluate(ctx, set)
		if err != nil {
			return Result{}, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		norm := r.Fitness / s.Baseline
		out.Scenarios[s.Name] = tlprogram.ScenarioScore{Raw: r.Fitness, Normalized: norm, Teleported: r.Teleported}
		out.Ticks += r.Ticks
		out.Collisions += r.Collisions
		out.Teleported += r.Teleported
		out.Trace[s.Name] = r.Trace
		sum += norm
		if i == 0 || norm < lo {
			lo = norm
		}
		if i == 0 || norm > hi {
			hi = norm
		}
	}
	out.Penalty = e.divergenceWeight * (hi - lo)
	out.Fitness = sum/float64(len(e.scenarios)) + out.Penalty
	return out, nil
}
