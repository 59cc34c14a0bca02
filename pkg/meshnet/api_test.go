package meshnet

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"meshnet/internal/model"
	"meshnet/internal/settings"
)

func boolPtr(b bool) *bool { return &b }

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

func writeDataDir(t *testing.T, phi, u []float64) string {
	t.Helper()
	dir := t.TempDir()
	writeArray(t, filepath.Join(dir, "phi.json"), phi)
	writeArray(t, filepath.Join(dir, "u.json"), u)
	return dir
}

func runSettings(trainDir, validationDir, outDir string) *settings.Main {
	return &settings.Main{
		Data: settings.Data{
			Train:      []string{trainDir},
			Validation: []string{validationDir},
		},
		Trainer: settings.Trainer{
			Inputs:          []settings.Variable{{Name: "phi", Dim: 1}},
			Outputs:         []settings.Variable{{Name: "u", Dim: 1}},
			NEpoch:          5,
			Optimizer:       "sgd",
			LearningRate:    0.05,
			OutputDirectory: outDir,
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

func newClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return c
}

func TestNewRejectsUnknownStore(t *testing.T) {
	if _, err := New(Options{StoreKind: "redis"}); err == nil {
		t.Fatal("unsupported store backend must fail")
	}
}

func TestTrainThenInfer(t *testing.T) {
	ctx := context.Background()
	trainDir := writeDataDir(t, []float64{1, 2, 3, 4}, []float64{2, 4, 6, 8})
	validationDir := writeDataDir(t, []float64{1.5}, []float64{3})
	outDir := t.TempDir()

	c := newClient(t)
	s := runSettings(trainDir, validationDir, outDir)

	result, err := c.Train(ctx, TrainRequest{Settings: s})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if result.Status != model.RunStatusCompleted {
		t.Fatalf("status: got %s", result.Status)
	}
	if result.OutputDirectory != outDir {
		t.Fatalf("output directory: got %s", result.OutputDirectory)
	}

	runs, err := c.Runs(ctx)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != result.RunID {
		t.Fatalf("stored runs: got %+v", runs)
	}

	rows, ok, err := c.Log(ctx, result.RunID)
	if err != nil || !ok {
		t.Fatalf("log: ok=%v err=%v", ok, err)
	}
	if len(rows) != 5 {
		t.Fatalf("log rows: got %d", len(rows))
	}

	sel, err := c.SelectSnapshot(outDir, "best")
	if err != nil {
		t.Fatalf("select snapshot: %v", err)
	}
	if sel.ValidationLoss != result.ValidationLoss {
		t.Fatalf("selected snapshot loss %g, train result %g", sel.ValidationLoss, result.ValidationLoss)
	}

	testDir := writeDataDir(t, []float64{2.5}, []float64{5})
	inferOut := t.TempDir()
	results, err := c.Infer(ctx, InferRequest{
		Settings:        runSettings(trainDir, validationDir, outDir),
		ModelPath:       outDir,
		Policy:          "best",
		DataDirectories: []string{testDir},
		OutputDirectory: inferOut,
		Save:            true,
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results: got %d", len(results))
	}
	if results[0].Loss == nil {
		t.Fatal("answers exist, so inference must report a loss")
	}
	if _, err := os.Stat(filepath.Join(inferOut, "loss.csv")); err != nil {
		t.Fatalf("missing loss summary: %v", err)
	}
	if _, err := os.Stat(filepath.Join(inferOut, filepath.Base(testDir), "u.json")); err != nil {
		t.Fatalf("missing saved prediction: %v", err)
	}
}

func TestTrainRequiresSettings(t *testing.T) {
	c := newClient(t)
	if _, err := c.Train(context.Background(), TrainRequest{}); err == nil {
		t.Fatal("a request without settings must fail")
	}
}
