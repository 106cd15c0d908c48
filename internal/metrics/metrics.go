package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trafficevo/internal/evo"
)

// Collectors owns the Prometheus series of the optimizer. Each instance has
// its own registry.
type Collectors struct {
	Registry *prometheus.Registry

	bestFitness   *prometheus.GaugeVec
	meanFitness   *prometheus.GaugeVec
	stddevFitness *prometheus.GaugeVec
	generation    *prometheus.GaugeVec
	evaluations   *prometheus.CounterVec
	flagged       *prometheus.CounterVec
	runs          *prometheus.CounterVec
	activeRuns    prometheus.Gauge
	runDuration   prometheus.Histogram
}

func New() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		bestFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficevo_generation_best_fitness",
			Help: "Lowest fitness of the latest generation.",
		}, []string{"run"}),
		meanFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficevo_generation_mean_fitness",
			Help: "Mean fitness of the scored individuals of the latest generation.",
		}, []string{"run"}),
		stddevFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficevo_generation_stddev_fitness",
			Help: "Population standard deviation of fitness in the latest generation.",
		}, []string{"run"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficevo_generation",
			Help: "Latest completed generation.",
		}, []string{"run"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficevo_evaluations_total",
			Help: "Program set evaluations by outcome.",
		}, []string{"outcome"}),
		flagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficevo_flagged_total",
			Help: "Individuals flagged for gaming review.",
		}, []string{"run"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficevo_runs_total",
			Help: "Finished evolution runs by status.",
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trafficevo_runs_active",
			Help: "Evolution runs in progress.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trafficevo_run_seconds",
			Help:    "Wall time of evolution runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	c.Registry.MustRegister(
		c.bestFitness, c.meanFitness, c.stddevFitness, c.generation,
		c.evaluations, c.flagged, c.runs, c.activeRuns, c.runDuration,
		collectors.NewGoCollector(),
	)
	return c
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}

func (c *Collectors) RunStarted() {
	c.activeRuns.Inc()
}

func (c *Collectors) RunFinished(status string, elapsed time.Duration) {
	c.activeRuns.Dec()
	c.runs.With(prometheus.Labels{"status": status}).Inc()
	c.runDuration.Observe(elapsed.Seconds())
}

// Observer records each generation of runID.
func (c *Collectors) Observer(runID string) evo.Observer {
	return evo.ObserverFunc(func(_ context.Context, report evo.GenerationReport) error {
		d := report.Diagnostics
		labels := prometheus.Labels{"run": runID}
		c.generation.With(labels).Set(float64(d.Generation))
		c.bestFitness.With(labels).Set(d.BestFitness)
		c.meanFitness.With(labels).Set(d.MeanFitness)
		c.stddevFitness.With(labels).Set(d.StdDev)
		c.flagged.With(labels).Add(float64(d.Flagged))
		c.evaluations.With(prometheus.Labels{"outcome": "scored"}).Add(float64(d.Evaluated - d.Failed))
		c.evaluations.With(prometheus.Labels{"outcome": "failed"}).Add(float64(d.Failed))
		return nil
	})
}
