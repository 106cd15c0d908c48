package evo

import (
	"context"

	"trafficevo/internal/tlprogram"
)

// GenerationReport is handed to observers once a generation has been
// evaluated and ranked. Population is ranked best first, failed sets last.
// Lineage holds the records of the offspring bred from this generation.
type GenerationReport struct {
	Generation  int
	Diagnostics GenerationDiagnostics
	Best        tlprogram.ProgramSet
	Population  []ScoredSet
	Flagged     []FlaggedIndividual
	Lineage     []LineageRecord
}

// Observer receives generation reports synchronously on the monitor
// goroutine. Errors are logged and never stop the run.
type Observer interface {
	ObserveGeneration(ctx context.Context, report GenerationReport) error
}

type ObserverFunc func(ctx context.Context, report GenerationReport) error

func (f ObserverFunc) ObserveGeneration(ctx context.Context, report GenerationReport) error {
	return f(ctx, report)
}
