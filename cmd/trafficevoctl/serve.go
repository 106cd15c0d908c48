package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trafficevo/internal/metrics"
	"trafficevo/internal/review"
	"trafficevo/internal/server"
	"trafficevo/internal/storage"
	"trafficevo/pkg/trafficevo"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", getEnv("TRAFFICEVO_ADDR", ":8080"), "listen address")
	natsURL := fs.String("nats-url", getEnv("TRAFFICEVO_NATS_URL", ""), "publish flagged individuals to this NATS server")
	subject := fs.String("nats-subject", review.SubjectFlagged, "NATS subject for flagged individuals")
	rows := fs.Int("rows", 3, "grid rows")
	cols := fs.Int("cols", 3, "grid columns")
	complexity := fs.Int("complexity", 0, "street removal passes")
	citySeed := fs.Int64("city-seed", 1, "city generation and traffic seed")
	cityFile := fs.String("city-file", "", "city file written by city --out (overrides rows/cols/complexity)")
	loadMin := fs.Int("load-min", 0, "minimum initial vehicles per queue")
	loadMax := fs.Int("load-max", 1, "maximum initial vehicles per queue")
	divergenceWeight := fs.Float64("divergence-weight", 0.5, "scenario spread penalty weight")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	collectors := metrics.New()
	opts := trafficevo.Options{
		StoreKind: *storeKind,
		DBPath:    *dbPath,
		Logger:    logger,
		Metrics:   collectors,
	}
	if *natsURL != "" {
		nc, err := review.ConnectNATS(*natsURL, "trafficevoctl", logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		opts.Publisher = review.NewNATSPublisher(nc, *subject)
		logger.Info("publishing flagged individuals", "url", *natsURL, "subject", *subject)
	}

	client, err := trafficevo.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	polis, err := client.Polis(ctx)
	if err != nil {
		return err
	}

	city := trafficevo.CityRequest{Rows: *rows, Cols: *cols, Complexity: *complexity, Seed: *citySeed}
	if *cityFile != "" {
		occupancy, err := loadOccupancy(*cityFile)
		if err != nil {
			return err
		}
		city.Occupancy = occupancy
	}
	for _, kind := range []string{trafficevo.EvaluatorGrid, trafficevo.EvaluatorScenarios} {
		built, err := trafficevo.BuildEvaluator(ctx, trafficevo.EvaluatorRequest{
			Kind:             kind,
			City:             city,
			LoadMin:          *loadMin,
			LoadMax:          *loadMax,
			DivergenceWeight: *divergenceWeight,
		})
		if err != nil {
			return fmt.Errorf("build %s evaluator: %w", kind, err)
		}
		if err := polis.RegisterEvaluator(kind, built.Evaluator); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("serving", "addr", *addr, "store", *storeKind, "evaluators", polis.Evaluators())
	return server.New(polis, collectors, logger).ListenAndServe(ctx, *addr)
}
