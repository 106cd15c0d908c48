package fitness

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"trafficevo/internal/tlprogram"
)

const network = `<net>
    <tlLogic id="J1" type="static" programID="0" offset="0">
        <phase duration="42" state="GGrr"/>
    </tlLogic>
</net>
`

func writeNetworkFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "city.net.xml")
	if err := os.WriteFile(path, []byte(network), 0o644); err != nil {
		t.Fatalf("write network: %v", err)
	}
	return path
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandEvaluatorReadsStepCount(t *testing.T) {
	requireShell(t)
	eval, err := NewCommandEvaluator(CommandConfig{
		Command:     "sh",
		Args:        []string{"-c", "grep -q 'duration=\"7\"' {net} && echo loading && echo steps=321"},
		NetworkPath: writeNetworkFile(t),
		WorkDir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new command evaluator: %v", err)
	}

	set := tlprogram.NewProgramSet("s", tlprogram.Program{ID: "J1", Type: "static", ProgramID: "1", Offset: "0", Phases: []tlprogram.Phase{{Duration: 7, State: "rrGG"}}})
	res, err := eval.Evaluate(context.Background(), set)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Fitness != 321 || res.Ticks != 321 {
		t.Fatalf("expected 321 steps, got %+v", res)
	}

	// The rewritten network is removed after the run.
	if _, statErr := os.Stat(res.Trace["network"].(string)); !os.IsNotExist(statErr) {
		t.Fatalf("expected rewritten network to be removed, stat err=%v", statErr)
	}
}

func TestCommandEvaluatorTimesOut(t *testing.T) {
	requireShell(t)
	eval, err := NewCommandEvaluator(CommandConfig{
		Command:     "sh",
		Args:        []string{"-c", "exec sleep 5"},
		NetworkPath: writeNetworkFile(t),
		Timeout:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new command evaluator: %v", err)
	}

	start := time.Now()
	_, err = eval.Evaluate(context.Background(), tlprogram.NewProgramSet("s"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 4*time.Second {
		t.Fatalf("expected the command to be killed promptly, took %s", elapsed)
	}
}

func TestCommandEvaluatorMissingBinaryIsUnavailable(t *testing.T) {
	eval, err := NewCommandEvaluator(CommandConfig{
		Command:     "trafficevo-no-such-simulator",
		NetworkPath: writeNetworkFile(t),
	})
	if err != nil {
		t.Fatalf("new command evaluator: %v", err)
	}

	_, err = eval.Evaluate(context.Background(), tlprogram.NewProgramSet("s"))
	if !errors.Is(err, ErrEvaluatorUnavailable) {
		t.Fatalf("expected evaluator unavailable, got %v", err)
	}
}

func TestNewCommandEvaluatorValidates(t *testing.T) {
	if _, err := NewCommandEvaluator(CommandConfig{NetworkPath: "x"}); err == nil {
		t.Fatal("expected missing command error")
	}
	if _, err := NewCommandEvaluator(CommandConfig{Command: "sumo"}); err == nil {
		t.Fatal("expected missing network path error")
	}
}

func TestParseStepCount(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   int
		ok     bool
	}{
		{name: "bare", output: "1200\n", want: 1200, ok: true},
		{name: "pair after noise", output: "Loading net... done.\nsteps=87\n\n", want: 87, ok: true},
		{name: "last line wins", output: "steps=1\nsteps=2\n", want: 2, ok: true},
		{name: "empty", output: "\n  \n"},
		{name: "no number", output: "Simulation ended\n"},
		{name: "negative", output: "steps=-4\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseStepCount(tc.output)
			if !tc.ok {
				if err == nil {
					t.Fatalf("expected error for %q, got %d", tc.output, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("expected %d, got %d err=%v", tc.want, got, err)
			}
		})
	}
}
