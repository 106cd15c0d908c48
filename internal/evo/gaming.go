package evo

import (
	"math"

	"trafficevo/internal/tlprogram"
)

const DefaultGamingK = 2.0

// boundaryTolerance keeps a value sitting exactly on μ±kσ on the flagged side
// regardless of rounding in the variance sum.
const boundaryTolerance = 1e-9

// DetectGaming flags individuals whose fitness lies on or beyond k
// population standard deviations from the mean. Only scored individuals take
// part in the statistics and only they can be flagged. The result maps the
// index in population to a copy of the flagged set. A population with zero
// spread flags nobody.
func DetectGaming(population []tlprogram.ProgramSet, k float64) map[int]tlprogram.ProgramSet {
	flagged := map[int]tlprogram.ProgramSet{}
	values := make([]float64, 0, len(population))
	for _, set := range population {
		if set.Scored() {
			values = append(values, set.Fitness)
		}
	}
	if len(values) < 2 {
		return flagged
	}
	mean, sd := MeanStdDev(values)
	if sd == 0 {
		return flagged
	}
	limit := k * sd
	for i, set := range population {
		if !set.Scored() {
			continue
		}
		if math.Abs(set.Fitness-mean) >= limit-boundaryTolerance*math.Max(1, limit) {
			flagged[i] = set.Clone()
		}
	}
	return flagged
}
