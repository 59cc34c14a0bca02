package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"meshnet/internal/snapshot"
	"meshnet/internal/storage"
	"meshnet/internal/trainer"
	meshapi "meshnet/pkg/meshnet"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "infer":
		return runInfer(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "log":
		return runLog(ctx, args[1:])
	case "snapshot":
		return runSnapshot(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: meshnetctl <train|infer|runs|log|snapshot> [flags]", msg)
}

func newClient(storeKind, dbPath string) (*meshapi.Client, error) {
	client, err := meshapi.New(meshapi.Options{StoreKind: storeKind, DBPath: dbPath})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	settingsPath := fs.String("settings", "", "YAML settings file")
	configPath := fs.String("config", "", "JSON run config file")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", storage.DefaultDBPath, "sqlite database path")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	pruneFloor := fs.Float64("prune-floor", math.Inf(-1), "prune runs scoring under this floor")
	pruneStrikes := fs.Int("prune-strikes", 3, "consecutive misses before pruning")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := meshapi.TrainRequest{SettingsPath: *settingsPath}
	if *configPath != "" {
		loaded, err := loadTrainRequestFromConfig(*configPath)
		if err != nil {
			return err
		}
		if req.SettingsPath == "" {
			req.SettingsPath = loaded.SettingsPath
		}
	}
	if req.SettingsPath == "" {
		return usageError("train requires -settings or a config file naming settings_path")
	}
	if !*quiet {
		req.LogWriter = os.Stdout
	}
	if !math.IsInf(*pruneFloor, -1) {
		req.Pruner = &trainer.ThresholdPruner{Floor: *pruneFloor, Strikes: *pruneStrikes}
	}

	client, err := newClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	started := time.Now()
	result, err := client.Train(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("run %s finished: status=%s best_validation_loss=%g elapsed=%s\n",
		result.RunID, result.Status, result.ValidationLoss,
		humanizeDuration(time.Since(started)))
	if result.OutputDirectory != "" {
		fmt.Printf("artifacts: %s\n", result.OutputDirectory)
	}
	return nil
}

func runInfer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("infer", flag.ContinueOnError)
	settingsPath := fs.String("settings", "", "YAML settings file")
	modelPath := fs.String("model", "", "snapshot file or run directory")
	policy := fs.String("policy", "", "snapshot choice method for directories")
	dataDirs := fs.String("data", "", "comma-separated raw data directories")
	preprocessedDirs := fs.String("preprocessed", "", "comma-separated preprocessed data directories")
	outDir := fs.String("out", "", "output directory")
	save := fs.Bool("save", false, "write outputs, settings and loss summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *settingsPath == "" || *modelPath == "" {
		return usageError("infer requires -settings and -model")
	}

	client, err := newClient("memory", "")
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	results, err := client.Infer(ctx, meshapi.InferRequest{
		SettingsPath:     *settingsPath,
		ModelPath:        *modelPath,
		Policy:           *policy,
		DataDirectories:  splitList(*dataDirs),
		PreprocessedDirs: splitList(*preprocessedDirs),
		OutputDirectory:  *outDir,
		Save:             *save,
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Loss != nil {
			fmt.Printf("%s loss=%g elapsed=%.3gs\n", r.Directory, *r.Loss, r.Elapsed)
		} else {
			fmt.Printf("%s elapsed=%.3gs\n", r.Directory, r.Elapsed)
		}
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", storage.DefaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	runs, err := client.Runs(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		created := humanize.Time(time.Unix(r.CreatedAtUnix, 0))
		fmt.Printf("%s  %-13s  epochs=%s  best=%g  created %s  %s\n",
			r.ID, r.Status, humanize.Comma(int64(r.Epochs)),
			r.BestValidationLoss, created, r.OutputDirectory)
	}
	return nil
}

func runLog(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	runID := fs.String("run", "", "run identifier")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", storage.DefaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("log requires -run")
	}

	client, err := newClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	rows, ok, err := client.Log(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no log rows stored for run %s", *runID)
	}
	fmt.Println("epoch, train_loss, validation_loss, elapsed_time")
	for _, row := range rows {
		fmt.Printf("%d, %g, %g, %s\n", row.Epoch, row.TrainLoss, row.ValidationLoss,
			humanizeDuration(time.Duration(row.Elapsed*float64(time.Second))))
	}
	return nil
}

func runSnapshot(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	dir := fs.String("dir", "", "run directory holding snapshot files")
	method := fs.String("method", "best", "choice method: latest|best|train_best")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return usageError("snapshot requires -dir")
	}

	sel, err := snapshot.Select(*dir, *method)
	if err != nil {
		return err
	}
	fmt.Printf("%s (epoch %s, validation_loss=%g, train_loss=%g)\n",
		sel.Path, humanize.Comma(int64(sel.Epoch)), sel.ValidationLoss, sel.TrainLoss)
	return nil
}

func humanizeDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
