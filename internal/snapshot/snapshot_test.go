package snapshot

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"meshnet/internal/model"
	"meshnet/internal/settings"
)

func TestFileNameEpochRoundTrip(t *testing.T) {
	name := FileName(42)
	if name != "snapshot_epoch_42.json" {
		t.Fatalf("file name: got %s", name)
	}
	epoch, ok := EpochOf(filepath.Join("runs", "a", name))
	if !ok || epoch != 42 {
		t.Fatalf("epoch of %s: got %d, %v", name, epoch, ok)
	}
	for _, bad := range []string{"log.csv", "snapshot_epoch_x.json", "snapshot_epoch_3.tmp"} {
		if _, ok := EpochOf(bad); ok {
			t.Fatalf("%s must not parse as a snapshot", bad)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cp := &model.Checkpoint{
		RunID:          "run-1",
		Epoch:          3,
		TrainLoss:      0.25,
		ValidationLoss: 0.5,
		ModelState: []model.NamedTensorState{
			{Name: "out.weight", State: model.TensorState{Shape: []int{2, 1}, Data: []float64{1, 2}}},
		},
		OptimizerState: []byte(`{"step":3}`),
	}
	path, err := Save(dir, cp)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Base(path) != FileName(3) {
		t.Fatalf("saved path: got %s", path)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RunID != "run-1" || loaded.Epoch != 3 || loaded.ValidationLoss != 0.5 {
		t.Fatalf("loaded checkpoint: got %+v", loaded)
	}
	if len(loaded.ModelState) != 1 || loaded.ModelState[0].Name != "out.weight" {
		t.Fatalf("model state: got %+v", loaded.ModelState)
	}
	if string(loaded.OptimizerState) != `{"step":3}` {
		t.Fatalf("optimizer state: got %s", loaded.OptimizerState)
	}
}

func TestSaveLoadRoundTripWithoutValidation(t *testing.T) {
	dir := t.TempDir()
	cp := &model.Checkpoint{
		RunID:          "run-1",
		Epoch:          1,
		TrainLoss:      0.25,
		ValidationLoss: math.NaN(),
	}
	path, err := Save(dir, cp)
	if err != nil {
		t.Fatalf("save with NaN validation loss: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"validation_loss":null`) {
		t.Fatalf("NaN must encode as null, got %s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !math.IsNaN(loaded.ValidationLoss) {
		t.Fatalf("validation loss must round-trip as NaN, got %g", loaded.ValidationLoss)
	}
	if loaded.TrainLoss != 0.25 {
		t.Fatalf("train loss: got %g", loaded.TrainLoss)
	}
}

func TestLoadRejectsNewerVersions(t *testing.T) {
	future := `{"schema_version":99,"codec_version":1,"epoch":1}`
	_, err := LoadFromReader(strings.NewReader(future))
	if !errors.Is(err, ErrVersion) {
		t.Fatalf("expected ErrVersion, got %v", err)
	}
}

func TestListRequiresSnapshots(t *testing.T) {
	dir := t.TempDir()
	if _, err := List(dir); !errors.Is(err, ErrNoSnapshots) {
		t.Fatalf("empty dir: got %v", err)
	}
}

func TestLogRoundTripWithNaN(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	if err := WriteLogHeader(path); err != nil {
		t.Fatalf("header: %v", err)
	}
	rows := []model.LogRow{
		{Epoch: 1, TrainLoss: 0.5, ValidationLoss: 0.6, Elapsed: 1.5},
		{Epoch: 2, TrainLoss: 0.4, ValidationLoss: math.NaN(), Elapsed: 3},
	}
	for _, row := range rows {
		if err := AppendLogRow(path, row); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "epoch, train_loss, validation_loss, elapsed_time" {
		t.Fatalf("header line: got %q", lines[0])
	}

	got, err := ReadLog(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows: got %d", len(got))
	}
	if got[0].Epoch != 1 || got[0].ValidationLoss != 0.6 {
		t.Fatalf("row 1: got %+v", got[0])
	}
	if !math.IsNaN(got[1].ValidationLoss) {
		t.Fatalf("NaN validation loss must round-trip, got %g", got[1].ValidationLoss)
	}
	if got[1].TrainLoss != 0.4 || got[1].Elapsed != 3 {
		t.Fatalf("row 2: got %+v", got[1])
	}
}

func writeRunDir(t *testing.T, rows []model.LogRow) string {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, LogFileName)
	if err := WriteLogHeader(logPath); err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if err := AppendLogRow(logPath, row); err != nil {
			t.Fatal(err)
		}
		cp := &model.Checkpoint{Epoch: row.Epoch, TrainLoss: row.TrainLoss, ValidationLoss: row.ValidationLoss}
		if _, err := Save(dir, cp); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestSelect(t *testing.T) {
	dir := writeRunDir(t, []model.LogRow{
		{Epoch: 1, TrainLoss: 0.9, ValidationLoss: 0.5},
		{Epoch: 2, TrainLoss: 0.7, ValidationLoss: 0.2},
		{Epoch: 3, TrainLoss: 0.1, ValidationLoss: 0.3},
	})

	best, err := Select(dir, "best")
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	if best.Epoch != 2 || best.ValidationLoss != 0.2 {
		t.Fatalf("best selection: got %+v", best)
	}

	latest, err := Select(dir, "latest")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Epoch != 3 {
		t.Fatalf("latest selection: got %+v", latest)
	}

	trainBest, err := Select(dir, "train_best")
	if err != nil {
		t.Fatalf("train_best: %v", err)
	}
	if trainBest.Epoch != 3 || trainBest.TrainLoss != 0.1 {
		t.Fatalf("train_best selection: got %+v", trainBest)
	}

	_, err = Select(dir, "worst")
	if !errors.Is(err, ErrUnknownChoice) {
		t.Fatalf("unknown method: got %v", err)
	}
	if !strings.Contains(err.Error(), "Unknown snapshot choice method: worst") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestSelectBestFallsBackToTrainLoss(t *testing.T) {
	dir := writeRunDir(t, []model.LogRow{
		{Epoch: 1, TrainLoss: 0.9, ValidationLoss: math.NaN()},
		{Epoch: 2, TrainLoss: 0.3, ValidationLoss: math.NaN()},
		{Epoch: 3, TrainLoss: 0.6, ValidationLoss: math.NaN()},
	})
	sel, err := Select(dir, "best")
	if err != nil {
		t.Fatalf("best with NaN validation: %v", err)
	}
	if sel.Epoch != 2 {
		t.Fatalf("fallback selection: got %+v", sel)
	}
}

func TestSelectBestSwitchesToTrainLossOnAnyNaN(t *testing.T) {
	dir := writeRunDir(t, []model.LogRow{
		{Epoch: 1, TrainLoss: 0.1, ValidationLoss: math.NaN()},
		{Epoch: 2, TrainLoss: 0.7, ValidationLoss: 0.2},
		{Epoch: 3, TrainLoss: 0.6, ValidationLoss: 0.3},
	})
	sel, err := Select(dir, "best")
	if err != nil {
		t.Fatalf("best with mixed NaN validation: %v", err)
	}
	if sel.Epoch != 1 {
		t.Fatalf("one NaN row must switch the whole selection to train loss, got %+v", sel)
	}
}

func TestSelectIgnoresEpochsWithoutFiles(t *testing.T) {
	dir := writeRunDir(t, []model.LogRow{
		{Epoch: 1, TrainLoss: 0.9, ValidationLoss: 0.5},
		{Epoch: 2, TrainLoss: 0.7, ValidationLoss: 0.2},
	})
	// a log row whose snapshot file was never written
	if err := AppendLogRow(filepath.Join(dir, LogFileName), model.LogRow{Epoch: 3, TrainLoss: 0.1, ValidationLoss: 0.01}); err != nil {
		t.Fatal(err)
	}
	sel, err := Select(dir, "best")
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	if sel.Epoch != 2 {
		t.Fatalf("selection must skip missing files, got %+v", sel)
	}
}

func writeSettingsDir(t *testing.T, m *settings.Main) string {
	t.Helper()
	dir := t.TempDir()
	if err := m.Save(filepath.Join(dir, "settings.yml")); err != nil {
		t.Fatal(err)
	}
	return dir
}

func baseSettings() *settings.Main {
	return &settings.Main{
		Trainer: settings.Trainer{
			Inputs:          []settings.Variable{{Name: "phi", Dim: 1}},
			Outputs:         []settings.Variable{{Name: "u", Dim: 1}},
			NEpoch:          10,
			OutputDirectory: "out/current",
		},
		Model: settings.Model{
			Blocks: []model.BlockSpec{
				{Name: "out", Type: "mlp", InputNames: []string{"phi"}, OutputName: "u", Nodes: []int{1, 1}},
			},
		},
	}
}

func TestReconcileRestartAdoptsStoredSettings(t *testing.T) {
	stored := baseSettings()
	stored.Trainer.NEpoch = 50
	stored.Trainer.OutputDirectory = "out/old"
	dir := writeSettingsDir(t, stored)

	current := baseSettings()
	current.Trainer.RestartDirectory = dir

	got, err := Reconcile(current)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Trainer.NEpoch != 50 {
		t.Fatalf("restart must adopt stored n_epoch, got %d", got.Trainer.NEpoch)
	}
	if got.Trainer.OutputDirectory != "out/current" {
		t.Fatalf("restart must keep the caller's output directory, got %s", got.Trainer.OutputDirectory)
	}
	if got.Trainer.RestartDirectory != dir || got.Trainer.PretrainDirectory != "" {
		t.Fatalf("restart paths: got %+v", got.Trainer)
	}
}

func TestReconcilePretrainAdoptsOnlyModel(t *testing.T) {
	stored := baseSettings()
	stored.Trainer.NEpoch = 50
	stored.Model.Blocks[0].Nodes = []int{1, 8, 1}
	dir := writeSettingsDir(t, stored)

	current := baseSettings()
	current.Trainer.PretrainDirectory = dir

	got, err := Reconcile(current)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Trainer.NEpoch != 10 {
		t.Fatalf("pretrain must keep the caller's trainer settings, got %d", got.Trainer.NEpoch)
	}
	if len(got.Model.Blocks[0].Nodes) != 3 {
		t.Fatalf("pretrain must adopt the stored model, got %+v", got.Model.Blocks[0])
	}
}

func TestReconcileRejectsBothDirectories(t *testing.T) {
	current := baseSettings()
	current.Trainer.RestartDirectory = "runs/a"
	current.Trainer.PretrainDirectory = "runs/b"
	if _, err := Reconcile(current); !errors.Is(err, settings.ErrRestartPretrain) {
		t.Fatalf("expected ErrRestartPretrain, got %v", err)
	}
}
