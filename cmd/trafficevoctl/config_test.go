package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trafficevo/pkg/trafficevo"
)

func writeConfig(t *testing.T, payload map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run_config.json")
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRunRequestFromConfig(t *testing.T) {
	cityPath := filepath.Join(t.TempDir(), "city.txt")
	if err := os.WriteFile(cityPath, []byte("11.\n.11\n"), 0o644); err != nil {
		t.Fatalf("write city: %v", err)
	}
	path := writeConfig(t, map[string]any{
		"run_id":                "cfg-run",
		"evaluator":             "command",
		"city_file":             cityPath,
		"load_max":              3,
		"command":               "sumo",
		"command_args":          []any{"--no-warnings", "--begin", "0"},
		"network":               "city.net.xml",
		"timeout_seconds":       1.5,
		"population":            12,
		"elite_count":           3,
		"generations":           7,
		"seed":                  77,
		"mutation_rate":         0.4,
		"mutation_decay":        true,
		"selection":             "elite",
		"fitness_postprocessor": "collision_penalty",
		"collision_cost":        25,
		"gaming_k":              1.5,
	})

	req, err := loadRunRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load run request: %v", err)
	}
	if req.RunID != "cfg-run" || req.Evaluator.Kind != "command" || req.Evaluator.Command != "sumo" {
		t.Fatalf("unexpected evaluator fields: %+v", req)
	}
	if len(req.Evaluator.CommandArgs) != 3 || req.Evaluator.CommandArgs[1] != "--begin" {
		t.Fatalf("unexpected command args: %v", req.Evaluator.CommandArgs)
	}
	if req.Evaluator.Timeout != 1500*time.Millisecond || req.Config.TimeoutSeconds != 1.5 {
		t.Fatalf("unexpected timeout: %s %f", req.Evaluator.Timeout, req.Config.TimeoutSeconds)
	}
	if got := req.Evaluator.City.Occupancy; len(got) != 2 || got[1][2] != 1 || got[0][2] != 0 {
		t.Fatalf("unexpected occupancy: %v", got)
	}
	cfg := req.Config
	if cfg.PopulationSize != 12 || cfg.EliteCount != 3 || cfg.Generations != 7 || cfg.Seed != 77 {
		t.Fatalf("unexpected run config: %+v", cfg)
	}
	if !cfg.MutationDecay || cfg.MutationRate != 0.4 || cfg.Selector != "elite" {
		t.Fatalf("unexpected operator config: %+v", cfg)
	}
	if cfg.Postprocessor != "collision_penalty" || cfg.CollisionCost != 25 || cfg.GamingK != 1.5 {
		t.Fatalf("unexpected fitness config: %+v", cfg)
	}
}

func TestLoadRunRequestFromConfigRejectsBadInput(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadRunRequestFromConfig(bad); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := loadOrDefaultRunRequest(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected missing config error")
	}
	path := writeConfig(t, map[string]any{"city_file": filepath.Join(t.TempDir(), "none.txt")})
	if _, err := loadRunRequestFromConfig(path); err == nil {
		t.Fatal("expected missing city file error")
	}
}

func TestOverrideFromFlagsOnlyAppliesSetFlags(t *testing.T) {
	req := trafficevo.RunRequest{}
	req.Config.PopulationSize = 12
	req.Config.Generations = 7
	req.Evaluator.Kind = "scenarios"

	err := overrideFromFlags(&req, map[string]bool{"gens": true, "sim-args": true, "timeout": true, "store": true}, map[string]any{
		"pop":       50,
		"gens":      3,
		"evaluator": "grid",
		"sim-args":  "--step-length 0.5",
		"timeout":   2.0,
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if req.Config.PopulationSize != 12 || req.Config.Generations != 3 || req.Evaluator.Kind != "scenarios" {
		t.Fatalf("unexpected override result: %+v", req)
	}
	if len(req.Evaluator.CommandArgs) != 2 || req.Evaluator.Timeout != 2*time.Second {
		t.Fatalf("unexpected evaluator override: %+v", req.Evaluator)
	}
}

func TestOverrideFromFlagsSkipsEmptyCityFile(t *testing.T) {
	req := trafficevo.RunRequest{}
	if err := overrideFromFlags(&req, map[string]bool{"city-file": true}, map[string]any{"city-file": ""}); err != nil {
		t.Fatalf("override: %v", err)
	}
	if req.Evaluator.City.Occupancy != nil {
		t.Fatalf("expected no occupancy, got %v", req.Evaluator.City.Occupancy)
	}
}

func TestLoadOrDefaultRunRequestWithoutPath(t *testing.T) {
	req, err := loadOrDefaultRunRequest("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if req.RunID != "" || req.Config.PopulationSize != 0 {
		t.Fatalf("expected zero request, got %+v", req)
	}
}
