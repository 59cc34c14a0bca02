package infer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"meshnet/internal/model"
	"meshnet/internal/settings"
	"meshnet/internal/snapshot"
	"meshnet/internal/tensor"
)

func boolPtr(b bool) *bool { return &b }

func linearSettings() *settings.Main {
	return &settings.Main{
		Trainer: settings.Trainer{
			Inputs:  []settings.Variable{{Name: "phi", Dim: 1}},
			Outputs: []settings.Variable{{Name: "u", Dim: 1}},
		},
		Model: settings.Model{
			Blocks: []model.BlockSpec{
				{
					Name: "out", Type: "mlp", InputNames: []string{"phi"},
					OutputName: "u", Nodes: []int{1, 1}, Activation: "identity", Bias: boolPtr(false),
				},
			},
		},
	}
}

// writeSnapshot persists a one-weight model whose single parameter is w.
func writeSnapshot(t *testing.T, dir string, epoch int, w float64) string {
	t.Helper()
	path, err := snapshot.Save(dir, &model.Checkpoint{
		Epoch: epoch,
		ModelState: []model.NamedTensorState{
			{Name: "out.w0", State: model.TensorState{Shape: []int{1, 1}, Data: []float64{w}}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func writeDataDir(t *testing.T, phi []float64, u []float64) string {
	t.Helper()
	dir := t.TempDir()
	writeArray(t, filepath.Join(dir, "phi.json"), phi)
	if u != nil {
		writeArray(t, filepath.Join(dir, "u.json"), u)
	}
	return dir
}

func writeArray(t *testing.T, path string, values []float64) {
	t.Helper()
	payload := struct {
		Shape []int     `json:"shape"`
		Data  []float64 `json:"data"`
	}{Shape: []int{len(values), 1}, Data: values}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveDirectories(t *testing.T) {
	if _, err := ResolveDirectories([]string{"a"}, []string{"b"}); !errors.Is(err, ErrBothDataDirs) {
		t.Fatalf("expected ErrBothDataDirs, got %v", err)
	}
	dirs, err := ResolveDirectories(nil, []string{"b"})
	if err != nil || len(dirs) != 1 || dirs[0] != "b" {
		t.Fatalf("preprocessed dirs: got %v, %v", dirs, err)
	}
	dirs, err = ResolveDirectories([]string{"a"}, nil)
	if err != nil || len(dirs) != 1 || dirs[0] != "a" {
		t.Fatalf("raw dirs: got %v, %v", dirs, err)
	}
}

func TestNewRequiresModelSource(t *testing.T) {
	if _, err := New(Config{Settings: linearSettings()}); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestInferFromSnapshotFile(t *testing.T) {
	path := writeSnapshot(t, t.TempDir(), 1, 2)
	e, err := New(Config{Settings: linearSettings(), Model: ModelSource{Path: path}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	withAnswers := writeDataDir(t, []float64{1, 2, 3}, []float64{2, 4, 6})
	withoutAnswers := writeDataDir(t, []float64{5}, nil)

	results, err := e.Infer(context.Background(), []string{withAnswers, withoutAnswers})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: got %d", len(results))
	}

	u := results[0].Outputs["u"]
	want := []float64{2, 4, 6}
	for i, w := range want {
		if math.Abs(u.At(i, 0)-w) > 1e-12 {
			t.Fatalf("prediction row %d: got %g, want %g", i, u.At(i, 0), w)
		}
	}
	if results[0].Loss == nil || *results[0].Loss > 1e-12 {
		t.Fatalf("exact answers must give zero loss, got %v", results[0].Loss)
	}
	if results[1].Loss != nil {
		t.Fatal("a directory without answers must not get a loss")
	}
	if results[1].Outputs["u"].At(0, 0) != 10 {
		t.Fatalf("prediction without answers: got %g", results[1].Outputs["u"].At(0, 0))
	}
}

func TestModelFromRunDirectoryUsesChoicePolicy(t *testing.T) {
	runDir := t.TempDir()
	logPath := filepath.Join(runDir, snapshot.LogFileName)
	if err := snapshot.WriteLogHeader(logPath); err != nil {
		t.Fatal(err)
	}
	// epoch 1 has the better validation loss, epoch 2 is newer
	writeSnapshot(t, runDir, 1, 2)
	writeSnapshot(t, runDir, 2, 5)
	for _, row := range []model.LogRow{
		{Epoch: 1, TrainLoss: 0.2, ValidationLoss: 0.1},
		{Epoch: 2, TrainLoss: 0.4, ValidationLoss: 0.9},
	} {
		if err := snapshot.AppendLogRow(logPath, row); err != nil {
			t.Fatal(err)
		}
	}
	data := writeDataDir(t, []float64{1}, nil)

	run := func(policy string) float64 {
		e, err := New(Config{
			Settings: linearSettings(),
			Model:    ModelSource{Path: runDir, Policy: policy},
		})
		if err != nil {
			t.Fatalf("new with policy %s: %v", policy, err)
		}
		results, err := e.Infer(context.Background(), []string{data})
		if err != nil {
			t.Fatalf("infer with policy %s: %v", policy, err)
		}
		return results[0].Outputs["u"].At(0, 0)
	}

	if got := run("best"); got != 2 {
		t.Fatalf("best policy must load epoch 1 weights, got prediction %g", got)
	}
	if got := run("latest"); got != 5 {
		t.Fatalf("latest policy must load epoch 2 weights, got prediction %g", got)
	}
}

type scaleTransformer struct{ factor float64 }

func (s scaleTransformer) Transform(_ string, t *tensor.Dense) (*tensor.Dense, error) {
	out := t.Clone()
	out.Scale(s.factor)
	return out, nil
}

func (s scaleTransformer) InverseTransform(_ string, t *tensor.Dense) (*tensor.Dense, error) {
	out := t.Clone()
	out.Scale(1 / s.factor)
	return out, nil
}

func TestInferAppliesTransformer(t *testing.T) {
	path := writeSnapshot(t, t.TempDir(), 1, 2)
	e, err := New(Config{
		Settings:    linearSettings(),
		Model:       ModelSource{Path: path},
		Transformer: scaleTransformer{factor: 10},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data := writeDataDir(t, []float64{3}, nil)
	results, err := e.Infer(context.Background(), []string{data})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	// forward sees 30, predicts 60, inverse transform brings it back to 6
	if got := results[0].Outputs["u"].At(0, 0); math.Abs(got-6) > 1e-12 {
		t.Fatalf("transformed prediction: got %g, want 6", got)
	}
}

func TestSaveWritesArtifacts(t *testing.T) {
	path := writeSnapshot(t, t.TempDir(), 1, 2)
	e, err := New(Config{Settings: linearSettings(), Model: ModelSource{Path: path}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data := writeDataDir(t, []float64{1, 2}, []float64{2, 4})
	results, err := e.Infer(context.Background(), []string{data})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}

	outDir := t.TempDir()
	if err := e.Save(results, outDir); err != nil {
		t.Fatalf("save: %v", err)
	}

	summary, err := os.ReadFile(filepath.Join(outDir, "loss.csv"))
	if err != nil {
		t.Fatalf("loss summary: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(summary)), "\n")
	if lines[0] != "directory,loss,elapsed_time" {
		t.Fatalf("summary header: got %q", lines[0])
	}
	if len(lines) != 2 || !strings.HasPrefix(lines[1], data+",") {
		t.Fatalf("summary rows: got %v", lines)
	}
	if _, err := os.Stat(filepath.Join(outDir, filepath.Base(data), "u.json")); err != nil {
		t.Fatalf("missing prediction file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "settings.yml")); err != nil {
		t.Fatalf("missing settings snapshot: %v", err)
	}
}
