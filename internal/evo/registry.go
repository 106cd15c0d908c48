package evo

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrSelectorNotFound      = errors.New("selector not found")
	ErrPostprocessorNotFound = errors.New("fitness postprocessor not found")
)

// Crossover modes for MonitorConfig.Crossover.
const (
	CrossoverSwap   = "swap"
	CrossoverPhases = "phases"
	CrossoverNone   = "none"
)

var selectorsByName = map[string]func() Selector{
	"tournament": func() Selector { return TournamentSelector{TournamentSize: 3} },
	"elite":      func() Selector { return EliteSelector{} },
}

// ResolveSelector returns the selector registered under name. An empty name
// resolves to the default tournament selector.
func ResolveSelector(name string) (Selector, error) {
	if name == "" {
		name = "tournament"
	}
	build, ok := selectorsByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSelectorNotFound, name)
	}
	return build(), nil
}

// ResolvePostprocessor returns the postprocessor registered under name;
// weight only applies to collision_penalty.
func ResolvePostprocessor(name string, weight float64) (FitnessPostprocessor, error) {
	switch name {
	case "", "none":
		return NoopFitnessPostprocessor{}, nil
	case "collision_penalty":
		if weight < 0 {
			return nil, fmt.Errorf("collision penalty weight must be >= 0")
		}
		return CollisionPenaltyPostprocessor{Weight: weight}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrPostprocessorNotFound, name)
	}
}

func ListSelectors() []string {
	names := make([]string, 0, len(selectorsByName))
	for name := range selectorsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validCrossover(mode string) bool {
	switch mode {
	case CrossoverSwap, CrossoverPhases, CrossoverNone:
		return true
	}
	return false
}
