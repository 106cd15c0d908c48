package model

import (
	"time"

	"trafficevo/internal/tlprogram"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunConfig is the evolution configuration a run was started with.
type RunConfig struct {
	Evaluator      string  `json:"evaluator"`
	PopulationSize int     `json:"population_size"`
	EliteCount     int     `json:"elite_count"`
	Generations    int     `json:"generations"`
	Workers        int     `json:"workers"`
	Seed           int64   `json:"seed"`
	MutationRate   float64 `json:"mutation_rate"`
	MutationDecay  bool    `json:"mutation_decay,omitempty"`
	Entropy        float64 `json:"entropy"`
	Crossover      string  `json:"crossover"`
	Selector       string  `json:"selector"`
	Postprocessor  string  `json:"postprocessor"`
	CollisionCost  float64 `json:"collision_cost,omitempty"`
	GamingK        float64 `json:"gaming_k"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

type RunRecord struct {
	VersionedRecord
	ID          string    `json:"id"`
	Status      RunStatus `json:"status"`
	Config      RunConfig `json:"config"`
	Generation  int       `json:"generation"`
	BestID      string    `json:"best_id,omitempty"`
	BestFitness float64   `json:"best_fitness"`
	Flagged     int       `json:"flagged"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

type GenerationDiagnostics struct {
	Generation   int     `json:"generation"`
	BestID       string  `json:"best_id"`
	BestFitness  float64 `json:"best_fitness"`
	MeanFitness  float64 `json:"mean_fitness"`
	StdDev       float64 `json:"stddev_fitness"`
	WorstFitness float64 `json:"worst_fitness"`
	Evaluated    int     `json:"evaluated"`
	Failed       int     `json:"failed"`
	Flagged      int     `json:"flagged"`
	MutationRate float64 `json:"mutation_rate"`
}

// FlaggedIndividual is an entry of the gaming review queue.
type FlaggedIndividual struct {
	VersionedRecord
	RunID      string  `json:"run_id"`
	Generation int     `json:"generation"`
	Index      int     `json:"index"`
	SetID      string  `json:"set_id"`
	Fitness    float64 `json:"fitness"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stddev"`
}

type LineageRecord struct {
	VersionedRecord
	SetID      string   `json:"set_id"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
	Generation int      `json:"generation"`
	Operation  string   `json:"operation"`
	Swapped    []string `json:"swapped,omitempty"`
}

// ProgramSetRecord stores one individual of a run.
type ProgramSetRecord struct {
	VersionedRecord
	RunID      string               `json:"run_id"`
	Generation int                  `json:"generation"`
	Set        tlprogram.ProgramSet `json:"set"`
}
