package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"trafficevo/internal/sim"
	"trafficevo/pkg/trafficevo"
)

func loadRunRequestFromConfig(path string) (trafficevo.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return trafficevo.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return trafficevo.RunRequest{}, err
	}

	var req trafficevo.RunRequest
	ev := &req.Evaluator
	cfg := &req.Config
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["evaluator"]); ok {
		ev.Kind = v
	}
	if v, ok := asInt(raw["rows"]); ok {
		ev.City.Rows = v
	}
	if v, ok := asInt(raw["cols"]); ok {
		ev.City.Cols = v
	}
	if v, ok := asInt(raw["complexity"]); ok {
		ev.City.Complexity = v
	}
	if v, ok := asInt64(raw["city_seed"]); ok {
		ev.City.Seed = v
	}
	if v, ok := asString(raw["city_file"]); ok && v != "" {
		occupancy, err := loadOccupancy(v)
		if err != nil {
			return trafficevo.RunRequest{}, err
		}
		ev.City.Occupancy = occupancy
	}
	if v, ok := asInt(raw["load_min"]); ok {
		ev.LoadMin = v
	}
	if v, ok := asInt(raw["load_max"]); ok {
		ev.LoadMax = v
	}
	if v, ok := asInt(raw["max_trip_length"]); ok {
		ev.MaxTripLength = v
	}
	if v, ok := asInt(raw["tick_ceiling"]); ok {
		ev.TickCeiling = v
	}
	if v, ok := asInt(raw["sim_workers"]); ok {
		ev.SimWorkers = v
	}
	if v, ok := asFloat64(raw["divergence_weight"]); ok {
		ev.DivergenceWeight = v
	}
	if v, ok := asString(raw["command"]); ok {
		ev.Command = v
	}
	if v, ok := asStrings(raw["command_args"]); ok {
		ev.CommandArgs = v
	}
	if v, ok := asString(raw["network"]); ok {
		ev.NetworkPath = v
	}
	if v, ok := asString(raw["routes"]); ok {
		ev.RoutePath = v
	}
	if v, ok := asString(raw["bridge_network"]); ok {
		ev.BridgeNetwork = v
	}
	if v, ok := asString(raw["bridge_address"]); ok {
		ev.BridgeAddress = v
	}
	if v, ok := asFloat64(raw["teleport_weight"]); ok {
		ev.TeleportWeight = v
	}
	if v, ok := asFloat64(raw["timeout_seconds"]); ok {
		setTimeout(&req, v)
	}

	if v, ok := asInt(raw["population"]); ok {
		cfg.PopulationSize = v
	}
	if v, ok := asInt(raw["elite_count"]); ok {
		cfg.EliteCount = v
	}
	if v, ok := asInt(raw["generations"]); ok {
		cfg.Generations = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		cfg.Workers = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		cfg.Seed = v
	}
	if v, ok := asFloat64(raw["mutation_rate"]); ok {
		cfg.MutationRate = v
	}
	if v, ok := asBool(raw["mutation_decay"]); ok {
		cfg.MutationDecay = v
	}
	if v, ok := asFloat64(raw["entropy"]); ok {
		cfg.Entropy = v
	}
	if v, ok := asString(raw["crossover"]); ok {
		cfg.Crossover = v
	}
	if v, ok := asString(raw["selection"]); ok {
		cfg.Selector = v
	}
	if v, ok := asString(raw["fitness_postprocessor"]); ok {
		cfg.Postprocessor = v
	}
	if v, ok := asFloat64(raw["collision_cost"]); ok {
		cfg.CollisionCost = v
	}
	if v, ok := asFloat64(raw["gaming_k"]); ok {
		cfg.GamingK = v
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asStrings(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func setTimeout(req *trafficevo.RunRequest, seconds float64) {
	req.Config.TimeoutSeconds = seconds
	req.Evaluator.Timeout = time.Duration(seconds * float64(time.Second))
}

// overrideFromFlags applies the flags the user set explicitly on top of a
// request loaded from a config file.
func overrideFromFlags(req *trafficevo.RunRequest, set map[string]bool, flagValue map[string]any) error {
	ev := &req.Evaluator
	cfg := &req.Config
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			req.RunID = v.(string)
		case "evaluator":
			ev.Kind = v.(string)
		case "rows":
			ev.City.Rows = v.(int)
		case "cols":
			ev.City.Cols = v.(int)
		case "complexity":
			ev.City.Complexity = v.(int)
		case "city-seed":
			ev.City.Seed = v.(int64)
		case "city-file":
			path := v.(string)
			if path == "" {
				continue
			}
			occupancy, err := loadOccupancy(path)
			if err != nil {
				return err
			}
			ev.City.Occupancy = occupancy
		case "load-min":
			ev.LoadMin = v.(int)
		case "load-max":
			ev.LoadMax = v.(int)
		case "max-trip":
			ev.MaxTripLength = v.(int)
		case "tick-ceiling":
			ev.TickCeiling = v.(int)
		case "sim-workers":
			ev.SimWorkers = v.(int)
		case "divergence-weight":
			ev.DivergenceWeight = v.(float64)
		case "sim-command":
			ev.Command = v.(string)
		case "sim-args":
			ev.CommandArgs = strings.Fields(v.(string))
		case "network":
			ev.NetworkPath = v.(string)
		case "routes":
			ev.RoutePath = v.(string)
		case "bridge-network":
			ev.BridgeNetwork = v.(string)
		case "bridge-address":
			ev.BridgeAddress = v.(string)
		case "teleport-weight":
			ev.TeleportWeight = v.(float64)
		case "timeout":
			setTimeout(req, v.(float64))
		case "pop":
			cfg.PopulationSize = v.(int)
		case "elite":
			cfg.EliteCount = v.(int)
		case "gens":
			cfg.Generations = v.(int)
		case "workers":
			cfg.Workers = v.(int)
		case "seed":
			cfg.Seed = v.(int64)
		case "mutation-rate":
			cfg.MutationRate = v.(float64)
		case "mutation-decay":
			cfg.MutationDecay = v.(bool)
		case "entropy":
			cfg.Entropy = v.(float64)
		case "crossover":
			cfg.Crossover = v.(string)
		case "selection":
			cfg.Selector = v.(string)
		case "fitness-postprocessor":
			cfg.Postprocessor = v.(string)
		case "collision-cost":
			cfg.CollisionCost = v.(float64)
		case "gaming-k":
			cfg.GamingK = v.(float64)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}

func loadOrDefaultRunRequest(configPath string) (trafficevo.RunRequest, error) {
	if configPath == "" {
		return trafficevo.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return trafficevo.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

func loadOccupancy(path string) (sim.Occupancy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	occupancy, err := sim.ParseOccupancy(string(data))
	if err != nil {
		return nil, fmt.Errorf("city file %s: %w", path, err)
	}
	return occupancy, nil
}
