package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"trafficevo/internal/evo"
)

func expectValue(t *testing.T, c prometheus.Collector, want float64) {
	t.Helper()
	if got := testutil.ToFloat64(c); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestObserverRecordsGeneration(t *testing.T) {
	c := New()
	obs := c.Observer("run-1")

	report := evo.GenerationReport{Diagnostics: evo.GenerationDiagnostics{
		Generation:  2,
		BestFitness: 210,
		MeanFitness: 260,
		StdDev:      14,
		Evaluated:   8,
		Failed:      2,
		Flagged:     1,
	}}
	for i := 0; i < 2; i++ {
		if err := obs.ObserveGeneration(context.Background(), report); err != nil {
			t.Fatalf("observe generation: %v", err)
		}
	}

	expectValue(t, c.bestFitness.WithLabelValues("run-1"), 210)
	expectValue(t, c.stddevFitness.WithLabelValues("run-1"), 14)
	expectValue(t, c.generation.WithLabelValues("run-1"), 2)
	expectValue(t, c.evaluations.WithLabelValues("scored"), 12)
	expectValue(t, c.evaluations.WithLabelValues("failed"), 4)
	expectValue(t, c.flagged.WithLabelValues("run-1"), 2)
}

func TestRunLifecycle(t *testing.T) {
	c := New()
	c.RunStarted()
	c.RunStarted()
	expectValue(t, c.activeRuns, 2)

	c.RunFinished("completed", 3*time.Second)
	expectValue(t, c.activeRuns, 1)
	expectValue(t, c.runs.WithLabelValues("completed"), 1)
	if n := testutil.CollectAndCount(c.runDuration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	c := New()
	c.RunStarted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "trafficevo_runs_active 1") {
		t.Fatalf("expected active runs series, got %s", body)
	}
}
