package review

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"trafficevo/internal/evo"
	"trafficevo/internal/tlprogram"
)

type recordingConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func flaggedReport() evo.GenerationReport {
	outlier := tlprogram.Template("set-4", []string{"r0c0"})
	outlier.Fitness = 100
	outlier.Status = tlprogram.StatusScored
	return evo.GenerationReport{
		Generation:  3,
		Diagnostics: evo.GenerationDiagnostics{Generation: 3, MeanFitness: 28, StdDev: 36, Flagged: 1},
		Flagged:     []evo.FlaggedIndividual{{Generation: 3, Index: 4, Set: outlier}},
	}
}

func TestForwarderPublishesOneEventPerFlagged(t *testing.T) {
	pub := &MemoryPublisher{}
	if err := Forwarder("run-1", pub).ObserveGeneration(context.Background(), flaggedReport()); err != nil {
		t.Fatalf("observe generation: %v", err)
	}

	events := pub.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != EventGamingFlagged || ev.RunID != "run-1" {
		t.Fatalf("unexpected envelope %+v", ev)
	}
	p := ev.Payload
	if p.SetID != "set-4" || p.Index != 4 || p.Fitness != 100 || p.Mean != 28 || p.StdDev != 36 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
		t.Fatalf("timestamp %q is not RFC3339: %v", ev.Timestamp, err)
	}
}

func TestForwarderSkipsCleanGenerations(t *testing.T) {
	pub := &MemoryPublisher{}
	if err := Forwarder("run-1", pub).ObserveGeneration(context.Background(), evo.GenerationReport{Generation: 1}); err != nil {
		t.Fatalf("observe generation: %v", err)
	}
	if events := pub.Events(); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestNATSPublisherSendsJSON(t *testing.T) {
	conn := &recordingConn{}
	pub := NewNATSPublisher(conn, "")
	if err := Forwarder("run-9", pub).ObserveGeneration(context.Background(), flaggedReport()); err != nil {
		t.Fatalf("observe generation: %v", err)
	}

	if len(conn.payloads) != 1 || conn.subjects[0] != SubjectFlagged {
		t.Fatalf("expected one message on %s, got subjects=%v", SubjectFlagged, conn.subjects)
	}

	var decoded Event
	if err := json.Unmarshal(conn.payloads[0], &decoded); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if decoded.RunID != "run-9" || decoded.Payload.Set.ID != "set-4" || len(decoded.Payload.Set.Programs) != 1 {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
}

func TestNATSPublisherErrors(t *testing.T) {
	boom := errors.New("broken pipe")
	pub := NewNATSPublisher(&recordingConn{err: boom}, "custom.subject")
	if err := Forwarder("run-1", pub).ObserveGeneration(context.Background(), flaggedReport()); !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, Event{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
