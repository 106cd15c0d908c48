// Package review hands individuals suspected of gaming the fitness function
// to human reviewers.
package review

import (
	"time"

	"trafficevo/internal/evo"
	"trafficevo/internal/tlprogram"
)

const (
	EventGamingFlagged = "trafficevo.gaming.flagged"

	SubjectFlagged = "trafficevo.review.flagged"
)

// Event is the envelope published for every flagged individual.
type Event struct {
	EventType string  `json:"event_type"`
	RunID     string  `json:"run_id"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source"`
	Payload   Flagged `json:"payload"`
}

// Flagged describes one outlier relative to the generation it was found in.
type Flagged struct {
	Generation int                  `json:"generation"`
	Index      int                  `json:"index"`
	SetID      string               `json:"set_id"`
	Fitness    float64              `json:"fitness"`
	Mean       float64              `json:"mean"`
	StdDev     float64              `json:"stddev"`
	Set        tlprogram.ProgramSet `json:"set"`
}

// NewEvent constructs an Event stamped with the current UTC time.
func NewEvent(runID, source string, payload Flagged) Event {
	return Event{
		EventType: EventGamingFlagged,
		RunID:     runID,
		Source:    source,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
}

// EventsFromReport builds one event per flagged individual of report.
func EventsFromReport(runID, source string, report evo.GenerationReport) []Event {
	events := make([]Event, 0, len(report.Flagged))
	for _, f := range report.Flagged {
		events = append(events, NewEvent(runID, source, Flagged{
			Generation: f.Generation,
			Index:      f.Index,
			SetID:      f.Set.ID,
			Fitness:    f.Set.Fitness,
			Mean:       report.Diagnostics.MeanFitness,
			StdDev:     report.Diagnostics.StdDev,
			Set:        f.Set,
		}))
	}
	return events
}
