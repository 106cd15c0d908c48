// Package stats writes the artifacts of finished runs to disk.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"trafficevo/internal/model"
	"trafficevo/internal/tlprogram"
)

// RunArtifacts is everything recorded about one run.
type RunArtifacts struct {
	Run            model.RunRecord
	FitnessHistory []float64
	Diagnostics    []model.GenerationDiagnostics
	Flagged        []model.FlaggedIndividual
	Lineage        []model.LineageRecord
	Best           *model.ProgramSetRecord
}

// ExportRunArtifacts writes a into outDir/<run id> and returns that
// directory. When networkPath names a network document, a copy with the
// best programs substituted is written as best.net.xml.
func ExportRunArtifacts(outDir string, a RunArtifacts, networkPath string) (string, error) {
	if a.Run.ID == "" {
		return "", fmt.Errorf("run id is required")
	}
	dst := filepath.Join(outDir, a.Run.ID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	files := map[string]any{
		"run.json":                    a.Run,
		"fitness_history.json":        a.FitnessHistory,
		"generation_diagnostics.json": a.Diagnostics,
		"flagged.json":                a.Flagged,
		"lineage.json":                a.Lineage,
	}
	for name, value := range files {
		if err := writeJSON(filepath.Join(dst, name), value); err != nil {
			return "", err
		}
	}
	if err := writeSeries(filepath.Join(dst, "generation_series.csv"), a.Diagnostics); err != nil {
		return "", err
	}

	if a.Best == nil {
		return dst, nil
	}
	if err := writeJSON(filepath.Join(dst, "best_programs.json"), a.Best.Set); err != nil {
		return "", err
	}
	packed, err := tlprogram.MarshalMsgpack(a.Best.Set.ProgramList())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dst, "best_programs.msgpack"), packed, 0o644); err != nil {
		return "", err
	}
	if networkPath != "" {
		if err := rewriteNetwork(networkPath, filepath.Join(dst, "best.net.xml"), a.Best.Set); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func rewriteNetwork(src, dst string, set tlprogram.ProgramSet) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := tlprogram.RewriteXML(in, out, set.Programs); err != nil {
		_ = out.Close()
		return fmt.Errorf("rewrite %s: %w", src, err)
	}
	return out.Close()
}

func writeSeries(path string, diagnostics []model.GenerationDiagnostics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"generation", "best", "mean", "stddev", "worst", "evaluated", "failed", "flagged"})
	for _, d := range diagnostics {
		_ = w.Write([]string{
			strconv.Itoa(d.Generation),
			formatFloat(d.BestFitness),
			formatFloat(d.MeanFitness),
			formatFloat(d.StdDev),
			formatFloat(d.WorstFitness),
			strconv.Itoa(d.Evaluated),
			strconv.Itoa(d.Failed),
			strconv.Itoa(d.Flagged),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
