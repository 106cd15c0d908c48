package fitness

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"trafficevo/internal/tlprogram"
)

// Placeholders substituted into CommandConfig.Args.
const (
	NetworkPlaceholder = "{net}"
	RoutePlaceholder   = "{routes}"
)

type CommandConfig struct {
	Command     string
	Args        []string
	NetworkPath string
	RoutePath   string
	WorkDir     string
	Timeout     time.Duration
}

// CommandEvaluator delegates scoring to an external microscopic simulator.
// Each evaluation writes the network with the candidate programs spliced
// in, runs the command and reads the reported step count from stdout.
type CommandEvaluator struct {
	cfg CommandConfig
}

func NewCommandEvaluator(cfg CommandConfig) (*CommandEvaluator, error) {
	if cfg.Command == "" {
		return nil, errors.New("simulator command is required")
	}
	if cfg.NetworkPath == "" {
		return nil, errors.New("network path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"-n", NetworkPlaceholder, "-r", RoutePlaceholder}
	}
	return &CommandEvaluator{cfg: cfg}, nil
}

func (*CommandEvaluator) Name() string { return "command" }

func (e *CommandEvaluator) Evaluate(ctx context.Context, set tlprogram.ProgramSet) (Result, error) {
	bin, err := exec.LookPath(e.cfg.Command)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrEvaluatorUnavailable, e.cfg.Command, err)
	}

	netPath, cleanup, err := e.writeNetwork(set)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := make([]string, len(e.cfg.Args))
	for i, arg := range e.cfg.Args {
		arg = strings.ReplaceAll(arg, NetworkPlaceholder, netPath)
		args[i] = strings.ReplaceAll(arg, RoutePlaceholder, e.cfg.RoutePath)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("simulator timed out after %s: %w", e.cfg.Timeout, ctx.Err())
		}
		return Result{}, fmt.Errorf("simulator failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	steps, err := ParseStepCount(stdout.String())
	if err != nil {
		return Result{}, err
	}
	return Result{
		Fitness: float64(steps),
		Ticks:   steps,
		Trace:   Trace{"network": netPath},
	}, nil
}

func (e *CommandEvaluator) writeNetwork(set tlprogram.ProgramSet) (string, func(), error) {
	src, err := os.Open(e.cfg.NetworkPath)
	if err != nil {
		return "", nil, fmt.Errorf("open network: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(e.cfg.WorkDir, "net-*.xml")
	if err != nil {
		return "", nil, fmt.Errorf("create network copy: %w", err)
	}
	cleanup := func() { _ = os.Remove(dst.Name()) }
	if err := tlprogram.RewriteXML(src, dst, set.Programs); err != nil {
		_ = dst.Close()
		cleanup()
		return "", nil, err
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return dst.Name(), cleanup, nil
}

// ParseStepCount reads the step count from simulator output: the last
// non-empty line holding either a bare integer or a "steps=N" pair.
func ParseStepCount(output string) (int, error) {
	var last string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return 0, errors.New("simulator produced no output")
	}
	for _, field := range strings.Fields(last) {
		if v, ok := strings.CutPrefix(field, "steps="); ok {
			field = v
		}
		if n, err := strconv.Atoi(field); err == nil {
			if n < 0 {
				return 0, fmt.Errorf("negative step count %d", n)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("no step count in simulator output %q", last)
}
