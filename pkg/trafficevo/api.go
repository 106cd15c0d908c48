// Package trafficevo is the programmatic entry point for evolving traffic
// light programs: it runs evolutions and queries what past runs recorded.
package trafficevo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"trafficevo/internal/metrics"
	"trafficevo/internal/model"
	"trafficevo/internal/platform"
	"trafficevo/internal/review"
	"trafficevo/internal/stats"
	"trafficevo/internal/storage"
)

const (
	defaultExportsDir = "exports"
	defaultDBPath     = "trafficevo.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	ExportsDir string
	Logger     *slog.Logger
	Metrics    *metrics.Collectors
	Publisher  review.Publisher
}

type Client struct {
	store storage.Store
	polis *platform.Polis
	opts  Options

	exportsDir string
}

type RunRequest struct {
	RunID     string
	Evaluator EvaluatorRequest
	Config    model.RunConfig
}

type RunSummary struct {
	RunID            string
	Status           model.RunStatus
	BestID           string
	BestByGeneration []float64
	FinalBestFitness float64
	Flagged          int
}

type RunsRequest struct {
	Limit int
}

type QueryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID       string
	Latest      bool
	OutDir      string
	NetworkPath string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{store: store, opts: opts, exportsDir: exportsDir}, nil
}

func (c *Client) Close() error {
	if c.polis != nil {
		_ = c.polis.Stop(context.Background())
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.Polis(ctx)
	return err
}

// Polis returns the initialized orchestrator behind the client.
func (c *Client) Polis(ctx context.Context) (*platform.Polis, error) {
	if c.polis != nil {
		return c.polis, nil
	}
	p := platform.NewPolis(platform.Config{
		Store:     c.store,
		Metrics:   c.opts.Metrics,
		Publisher: c.opts.Publisher,
		Logger:    c.opts.Logger,
	})
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	c.polis = p
	return c.polis, nil
}

// Run builds the evaluator of req, registers it under its kind and evolves
// a population over it to completion.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	p, err := c.Polis(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	built, err := BuildEvaluator(ctx, req.Evaluator)
	if err != nil {
		return RunSummary{}, err
	}
	kind := req.Evaluator.Kind
	if kind == "" {
		kind = EvaluatorGrid
	}
	if err := p.ReplaceEvaluator(kind, built.Evaluator); err != nil {
		return RunSummary{}, err
	}
	cfg := req.Config
	cfg.Evaluator = kind

	outcome, err := p.RunEvolution(ctx, platform.RunRequest{
		RunID:    req.RunID,
		Config:   cfg,
		Template: built.Template,
	})
	if err != nil {
		return RunSummary{RunID: outcome.Run.ID, Status: outcome.Run.Status}, err
	}
	return RunSummary{
		RunID:            outcome.Run.ID,
		Status:           outcome.Run.Status,
		BestID:           outcome.Run.BestID,
		BestByGeneration: outcome.Result.BestByGeneration,
		FinalBestFitness: outcome.Run.BestFitness,
		Flagged:          outcome.Run.Flagged,
	}, nil
}

// Runs lists the most recent runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunRecord, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	p, err := c.Polis(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := p.Runs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.RunRecord, 0, min(len(runs), req.Limit))
	for i := len(runs) - 1; i >= 0 && len(out) < req.Limit; i-- {
		out = append(out, runs[i])
	}
	return out, nil
}

func (c *Client) Diagnostics(ctx context.Context, req QueryRequest) ([]model.GenerationDiagnostics, error) {
	p, runID, err := c.resolve(ctx, req, "diagnostics")
	if err != nil {
		return nil, err
	}
	diagnostics, err := p.Diagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	return limit(diagnostics, req.Limit), nil
}

func (c *Client) FitnessHistory(ctx context.Context, req QueryRequest) ([]float64, error) {
	p, runID, err := c.resolve(ctx, req, "fitness history")
	if err != nil {
		return nil, err
	}
	history, err := p.FitnessHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	return limit(history, req.Limit), nil
}

func (c *Client) Flagged(ctx context.Context, req QueryRequest) ([]model.FlaggedIndividual, error) {
	p, runID, err := c.resolve(ctx, req, "flagged")
	if err != nil {
		return nil, err
	}
	flagged, err := p.Flagged(ctx, runID)
	if err != nil {
		return nil, err
	}
	return limit(flagged, req.Limit), nil
}

func (c *Client) Lineage(ctx context.Context, req QueryRequest) ([]model.LineageRecord, error) {
	p, runID, err := c.resolve(ctx, req, "lineage")
	if err != nil {
		return nil, err
	}
	lineage, err := p.Lineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	return limit(lineage, req.Limit), nil
}

func (c *Client) ProgramSet(ctx context.Context, runID, setID string) (model.ProgramSetRecord, error) {
	p, err := c.Polis(ctx)
	if err != nil {
		return model.ProgramSetRecord{}, err
	}
	return p.ProgramSet(ctx, runID, setID)
}

// Export writes the artifacts of a run under OutDir (the client's exports
// directory by default).
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	p, runID, err := c.resolve(ctx, QueryRequest{RunID: req.RunID, Latest: req.Latest}, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	run, err := p.Run(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	artifacts := stats.RunArtifacts{Run: run}
	if artifacts.FitnessHistory, err = p.FitnessHistory(ctx, runID); err != nil {
		return ExportSummary{}, err
	}
	if artifacts.Diagnostics, err = p.Diagnostics(ctx, runID); err != nil {
		return ExportSummary{}, err
	}
	if artifacts.Flagged, err = p.Flagged(ctx, runID); err != nil {
		return ExportSummary{}, err
	}
	if artifacts.Lineage, err = p.Lineage(ctx, runID); err != nil {
		return ExportSummary{}, err
	}
	if run.BestID != "" {
		best, err := p.ProgramSet(ctx, runID, run.BestID)
		if err != nil {
			return ExportSummary{}, err
		}
		artifacts.Best = &best
	}

	dir, err := stats.ExportRunArtifacts(req.OutDir, artifacts, req.NetworkPath)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

func (c *Client) resolve(ctx context.Context, req QueryRequest, what string) (*platform.Polis, string, error) {
	if req.RunID != "" && req.Latest {
		return nil, "", errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return nil, "", errors.New("limit must be >= 0")
	}
	p, err := c.Polis(ctx)
	if err != nil {
		return nil, "", err
	}
	if !req.Latest {
		if req.RunID == "" {
			return nil, "", fmt.Errorf("%s requires run id or latest", what)
		}
		return p, req.RunID, nil
	}
	runs, err := p.Runs(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(runs) == 0 {
		return nil, "", errors.New("no runs available")
	}
	return p, runs[len(runs)-1].ID, nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
