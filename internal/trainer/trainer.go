package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"meshnet/internal/block"
	"meshnet/internal/dataset"
	"meshnet/internal/graph"
	"meshnet/internal/loss"
	"meshnet/internal/model"
	"meshnet/internal/network"
	"meshnet/internal/optim"
	"meshnet/internal/settings"
	"meshnet/internal/snapshot"
	"meshnet/internal/storage"
	"meshnet/internal/tensor"
)

// Config assembles a Trainer. Only Settings is required; collaborators
// default to CPU-only, no store, no pruner.
type Config struct {
	Settings      *settings.Main
	Registry      *block.Registry
	Store         storage.Store
	Pruner        Pruner
	Probe         DeviceProbe
	LogWriter     io.Writer
	UserFunctions map[string]loss.Function

	// TrainData and ValidationData bypass directory loading when set.
	TrainData      *dataset.Dataset
	ValidationData *dataset.Dataset
}

// Trainer drives one run through initializing, running and a terminal state.
type Trainer struct {
	settings *settings.Main
	net      *network.Network
	calc     *loss.Calculator
	opt      optim.Optimizer
	store    storage.Store
	pruner   Pruner
	topology DeviceTopology
	logw     io.Writer

	trainData      *dataset.Dataset
	validationData *dataset.Dataset

	runID      string
	status     model.RunStatus
	startEpoch int
	seed       int64
}

// New resolves settings (including restart and pretrain directories), builds
// the network and its collaborators, and restores state when continuing a
// stored run.
func New(cfg Config) (*Trainer, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("no settings fed")
	}
	s, err := snapshot.Reconcile(cfg.Settings)
	if err != nil {
		return nil, err
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	topology, err := ResolveDevices(&s.Trainer, cfg.Probe)
	if err != nil {
		return nil, err
	}

	registry := cfg.Registry
	if registry == nil {
		registry = block.DefaultRegistry()
	}
	g, err := graph.Build(s.Model.Blocks, s.InputNames(), s.OutputNames())
	if err != nil {
		return nil, err
	}
	net, err := network.New(g, registry, s.InputNames(), s.OutputNames())
	if err != nil {
		return nil, err
	}
	seed := int64(s.Trainer.Seed)
	net.Initialize(newRand(seed))

	variables := make([]loss.Variable, 0, len(s.Trainer.Outputs))
	for _, v := range s.Trainer.Outputs {
		variables = append(variables, loss.Variable{Name: v.Name, Dim: v.Dim})
	}
	calc, err := loss.NewCalculator(loss.Config{
		Setting:       s.Trainer.LossFunction.Value(),
		TimeSeries:    s.Trainer.TimeSeries,
		OutputIsDict:  s.OutputIsDict(),
		Variables:     variables,
		OutputSkips:   s.Trainer.OutputSkips,
		UserFunctions: cfg.UserFunctions,
	})
	if err != nil {
		return nil, err
	}
	opt, err := optim.New(s.Trainer.Optimizer, s.Trainer.LearningRate)
	if err != nil {
		return nil, err
	}

	logw := cfg.LogWriter
	if logw == nil {
		logw = io.Discard
	}
	t := &Trainer{
		settings:       s,
		net:            net,
		calc:           calc,
		opt:            opt,
		store:          cfg.Store,
		pruner:         cfg.Pruner,
		topology:       topology,
		logw:           logw,
		trainData:      cfg.TrainData,
		validationData: cfg.ValidationData,
		runID:          uuid.NewString(),
		status:         model.RunStatusInitializing,
		seed:           seed,
	}
	if err := t.restoreIfContinuing(); err != nil {
		return nil, err
	}
	return t, nil
}

// restoreIfContinuing applies restart or pretrain state. A restart resumes
// the stored run's epoch counter and optimizer; a pretrain only seeds the
// weights.
func (t *Trainer) restoreIfContinuing() error {
	tr := &t.settings.Trainer
	switch {
	case tr.RestartDirectory != "":
		sel, err := snapshot.Select(tr.RestartDirectory, "latest")
		if err != nil {
			return err
		}
		cp, err := snapshot.Load(sel.Path)
		if err != nil {
			return err
		}
		if err := snapshot.Restore(t.net, t.opt, cp, true); err != nil {
			return err
		}
		t.startEpoch = cp.Epoch
		if cp.RunID != "" {
			t.runID = cp.RunID
		}
	case tr.PretrainDirectory != "":
		sel, err := snapshot.Select(tr.PretrainDirectory, tr.SnapshotChoiceMethod)
		if err != nil {
			return err
		}
		cp, err := snapshot.Load(sel.Path)
		if err != nil {
			return err
		}
		if err := snapshot.Restore(t.net, nil, cp, false); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) RunID() string             { return t.runID }
func (t *Trainer) Status() model.RunStatus   { return t.status }
func (t *Trainer) Topology() DeviceTopology  { return t.topology }
func (t *Trainer) Network() *network.Network { return t.net }

func (t *Trainer) logf(format string, args ...any) {
	fmt.Fprintf(t.logw, format+"\n", args...)
}

// Train runs the whole schedule and returns the minimum validation loss over
// the run's full log history.
func (t *Trainer) Train(ctx context.Context) (float64, error) {
	best, err := t.train(ctx)
	if err != nil {
		t.status = model.RunStatusFailed
		t.mirrorRun(ctx, best)
		return best, err
	}
	t.mirrorRun(ctx, best)
	return best, nil
}

func (t *Trainer) train(ctx context.Context) (float64, error) {
	tr := &t.settings.Trainer
	if err := t.loadData(ctx); err != nil {
		return math.NaN(), err
	}
	trainLoader, validationLoader, err := t.loaders()
	if err != nil {
		return math.NaN(), err
	}

	out := tr.OutputDirectory
	if out == "" {
		out = "."
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return math.NaN(), err
	}
	logPath := filepath.Join(out, snapshot.LogFileName)
	if t.startEpoch == 0 {
		if err := snapshot.WriteLogHeader(logPath); err != nil {
			return math.NaN(), err
		}
		if err := t.settings.Save(filepath.Join(out, "settings.yml")); err != nil {
			return math.NaN(), err
		}
	}

	t.status = model.RunStatusRunning
	t.mirrorRun(ctx, math.NaN())
	t.logf("run %s starting on %s from epoch %d", t.runID, t.topology, t.startEpoch)

	bestScore := math.Inf(-1)
	badChecks := 0
	started := time.Now()

	for epoch := t.startEpoch + 1; epoch <= tr.NEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			return math.NaN(), err
		}
		if err := trainLoader.Run(ctx, t.step); err != nil {
			return math.NaN(), err
		}

		if epoch%tr.LogTriggerEpoch == 0 {
			trainLoss, err := t.evaluate(ctx, trainLoader)
			if err != nil {
				return math.NaN(), err
			}
			validationLoss := math.NaN()
			if validationLoader != nil {
				validationLoss, err = t.evaluate(ctx, validationLoader)
				if err != nil {
					return math.NaN(), err
				}
			}
			row := model.LogRow{
				Epoch:          epoch,
				TrainLoss:      trainLoss,
				ValidationLoss: validationLoss,
				Elapsed:        time.Since(started).Seconds(),
			}
			if err := t.record(ctx, out, logPath, row); err != nil {
				return math.NaN(), err
			}
			t.logf("epoch %d train %.6g validation %.6g", epoch, trainLoss, validationLoss)
		}

		if epoch%tr.StopTriggerEpoch == 0 {
			score, err := t.stopScore(ctx, validationLoader, trainLoader)
			if err != nil {
				return math.NaN(), err
			}
			if t.pruner != nil && t.pruner.Report(epoch, score) {
				t.status = model.RunStatusPruned
				t.logf("run %s pruned at epoch %d", t.runID, epoch)
				return t.bestFromLog(logPath)
			}
			if score > bestScore {
				bestScore = score
				badChecks = 0
			} else {
				badChecks++
				if badChecks > tr.Patience {
					t.status = model.RunStatusStoppedEarly
					t.logf("run %s stopped early at epoch %d", t.runID, epoch)
					return t.bestFromLog(logPath)
				}
			}
		}
	}
	t.status = model.RunStatusCompleted
	return t.bestFromLog(logPath)
}

func (t *Trainer) loadData(ctx context.Context) error {
	tr := &t.settings.Trainer
	variables := append(toDatasetVariables(tr.Inputs), toDatasetVariables(tr.Outputs)...)
	if t.trainData == nil {
		ds, err := dataset.Load(ctx, t.settings.Data.Train, variables, tr.SupportInputs, tr.Workers)
		if err != nil {
			return err
		}
		t.trainData = ds
	}
	if t.validationData == nil && len(t.settings.Data.Validation) > 0 {
		ds, err := dataset.Load(ctx, t.settings.Data.Validation, variables, tr.SupportInputs, tr.Workers)
		if err != nil {
			return err
		}
		t.validationData = ds
	}
	if tr.ElementWise {
		ds, err := t.trainData.ElementWise()
		if err != nil {
			return err
		}
		t.trainData = ds
		if t.validationData != nil {
			ds, err := t.validationData.ElementWise()
			if err != nil {
				return err
			}
			t.validationData = ds
		}
	}
	return nil
}

func (t *Trainer) loaders() (*dataset.Loader, *dataset.Loader, error) {
	tr := &t.settings.Trainer
	trainLoader := dataset.NewLoader(t.trainData, dataset.LoaderConfig{
		Inputs:     toDatasetVariables(tr.Inputs),
		Outputs:    toDatasetVariables(tr.Outputs),
		BatchSize:  tr.BatchSize,
		TimeSeries: tr.TimeSeries,
		Shuffle:    true,
		Seed:       t.seed,
	})
	var validationLoader *dataset.Loader
	if t.validationData != nil && t.validationData.Len() > 0 {
		validationLoader = dataset.NewLoader(t.validationData, dataset.LoaderConfig{
			Inputs:     toDatasetVariables(tr.Inputs),
			Outputs:    toDatasetVariables(tr.Outputs),
			BatchSize:  tr.ValidationBatchSize,
			TimeSeries: tr.TimeSeries,
			Shuffle:    false,
			Seed:       t.seed,
		})
	}
	return trainLoader, validationLoader, nil
}

// step performs one optimizer update. With an element batch size the backward
// pass is subdivided into row chunks whose gradients are scaled back to the
// full-batch mean, so the update matches the single-pass one.
func (t *Trainer) step(mb *dataset.Minibatch) error {
	t.net.ZeroGrad()
	elementBatch := t.settings.Trainer.ElementBatchSize
	if elementBatch > 0 && !t.settings.Trainer.TimeSeries {
		if err := t.backwardByElementChunks(mb, elementBatch); err != nil {
			return err
		}
	} else {
		preds, err := t.net.Forward(*mb.Batch)
		if err != nil {
			return err
		}
		grads, err := t.calc.Gradient(preds, mb.Targets, mb.Batch.OriginalShapes)
		if err != nil {
			return err
		}
		if err := t.net.Backward(grads); err != nil {
			return err
		}
	}
	return t.opt.Step(t.net.NamedParameters())
}

func (t *Trainer) backwardByElementChunks(mb *dataset.Minibatch, chunkRows int) error {
	anyInput := firstTensor(mb.Batch.Inputs)
	totalRows := anyInput.Rows()
	if chunkRows >= totalRows {
		chunkRows = totalRows
	}
	for start := 0; start < totalRows; start += chunkRows {
		end := start + chunkRows
		if end > totalRows {
			end = totalRows
		}
		sub := network.Batch{Inputs: make(map[string]*tensor.Dense, len(mb.Batch.Inputs))}
		for name, in := range mb.Batch.Inputs {
			sliced, err := in.SliceRows(start, end)
			if err != nil {
				return err
			}
			sub.Inputs[name] = sliced
		}
		targets := make(map[string]*tensor.Dense, len(mb.Targets))
		for name, tgt := range mb.Targets {
			sliced, err := tgt.SliceRows(start, end)
			if err != nil {
				return err
			}
			targets[name] = sliced
		}
		preds, err := t.net.Forward(sub)
		if err != nil {
			return err
		}
		grads, err := t.calc.Gradient(preds, targets, nil)
		if err != nil {
			return err
		}
		scale := float64(end-start) / float64(totalRows)
		for _, g := range grads {
			g.Scale(scale)
		}
		if err := t.net.Backward(grads); err != nil {
			return err
		}
	}
	return nil
}

// evaluate runs one pass without touching gradients and returns the mean
// batch loss.
func (t *Trainer) evaluate(ctx context.Context, loader *dataset.Loader) (float64, error) {
	total := 0.0
	batches := 0
	err := loader.Run(ctx, func(mb *dataset.Minibatch) error {
		preds, err := t.net.Forward(*mb.Batch)
		if err != nil {
			return err
		}
		l, err := t.calc.Loss(preds, mb.Targets, mb.Batch.OriginalShapes)
		if err != nil {
			return err
		}
		total += l
		batches++
		return nil
	})
	if err != nil {
		return math.NaN(), err
	}
	if batches == 0 {
		return math.NaN(), nil
	}
	return total / float64(batches), nil
}

// stopScore is the negated loss used for early stopping and pruning, taken
// from validation when available.
func (t *Trainer) stopScore(ctx context.Context, validation, train *dataset.Loader) (float64, error) {
	loader := validation
	if loader == nil {
		loader = train
	}
	l, err := t.evaluate(ctx, loader)
	if err != nil {
		return 0, err
	}
	return -l, nil
}

// record persists one logging epoch: snapshot file, CSV row, plot data and
// the store mirror.
func (t *Trainer) record(ctx context.Context, out, logPath string, row model.LogRow) error {
	state, err := t.opt.State()
	if err != nil {
		return err
	}
	cp := &model.Checkpoint{
		RunID:          t.runID,
		Epoch:          row.Epoch,
		TrainLoss:      row.TrainLoss,
		ValidationLoss: row.ValidationLoss,
		ModelState:     t.net.State(),
		OptimizerState: state,
	}
	path, err := snapshot.Save(out, cp)
	if err != nil {
		return err
	}
	if err := snapshot.AppendLogRow(logPath, row); err != nil {
		return err
	}
	if err := t.writePlot(out, logPath); err != nil {
		return err
	}
	if t.store != nil {
		if err := t.store.AppendLogRows(ctx, t.runID, []model.LogRow{row}); err != nil {
			return err
		}
		index, _, err := t.store.GetCheckpointIndex(ctx, t.runID)
		if err != nil {
			return err
		}
		index = append(index, model.CheckpointIndexEntry{
			Epoch:          row.Epoch,
			Path:           path,
			TrainLoss:      row.TrainLoss,
			ValidationLoss: row.ValidationLoss,
		})
		if err := t.store.SaveCheckpointIndex(ctx, t.runID, index); err != nil {
			return err
		}
	}
	return nil
}

// writePlot regenerates plot.csv from the whole history so the file is
// always self-consistent.
func (t *Trainer) writePlot(out, logPath string) error {
	rows, err := snapshot.ReadLog(logPath)
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(out, "plot.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, "epoch,train_loss,validation_loss"); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(f, "%d,%g,%g\n", r.Epoch, r.TrainLoss, r.ValidationLoss); err != nil {
			return err
		}
	}
	return nil
}

// bestFromLog re-reads the history and returns the minimum validation loss
// seen over the whole run, not just the final epoch.
func (t *Trainer) bestFromLog(logPath string) (float64, error) {
	rows, err := snapshot.ReadLog(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return math.NaN(), nil
		}
		return math.NaN(), err
	}
	best := math.Inf(1)
	for _, r := range rows {
		if !math.IsNaN(r.ValidationLoss) && r.ValidationLoss < best {
			best = r.ValidationLoss
		}
	}
	if math.IsInf(best, 1) {
		return math.NaN(), nil
	}
	return best, nil
}

func (t *Trainer) mirrorRun(ctx context.Context, best float64) {
	if t.store == nil {
		return
	}
	record := model.RunRecord{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:                 t.runID,
		OutputDirectory:    t.settings.Trainer.OutputDirectory,
		Status:             t.status,
		BestValidationLoss: best,
		Epochs:             t.settings.Trainer.NEpoch,
		CreatedAtUnix:      time.Now().Unix(),
	}
	if err := t.store.SaveRun(ctx, record); err != nil {
		t.logf("store mirror failed for run %s: %v", t.runID, err)
	}
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func toDatasetVariables(vars []settings.Variable) []dataset.Variable {
	out := make([]dataset.Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, dataset.Variable{Name: v.Name, Dim: v.Dim})
	}
	return out
}

func firstTensor(m map[string]*tensor.Dense) *tensor.Dense {
	for _, t := range m {
		return t
	}
	return nil
}
