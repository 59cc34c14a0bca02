package infer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"meshnet/internal/block"
	"meshnet/internal/dataset"
	"meshnet/internal/graph"
	"meshnet/internal/loss"
	"meshnet/internal/model"
	"meshnet/internal/network"
	"meshnet/internal/settings"
	"meshnet/internal/snapshot"
	"meshnet/internal/tensor"
)

var (
	ErrNoModel      = errors.New("no model source fed")
	ErrBothDataDirs = errors.New("both raw and preprocessed data directories fed")
)

// Transformer maps variables between physical and model space. Inference
// transforms inputs forward and predictions back.
type Transformer interface {
	Transform(name string, t *tensor.Dense) (*tensor.Dense, error)
	InverseTransform(name string, t *tensor.Dense) (*tensor.Dense, error)
}

// IdentityTransformer passes data through unchanged.
type IdentityTransformer struct{}

func (IdentityTransformer) Transform(_ string, t *tensor.Dense) (*tensor.Dense, error) {
	return t, nil
}

func (IdentityTransformer) InverseTransform(_ string, t *tensor.Dense) (*tensor.Dense, error) {
	return t, nil
}

// LoadFunc reads one data directory into a sample. The default reads the
// on-disk JSON sample format; callers override it for other layouts.
type LoadFunc func(dir string, variables []dataset.Variable, supportNames []string) (*dataset.Sample, error)

// ModelSource names where the weights come from: a snapshot file, a run
// directory plus a choice policy, or an open reader.
type ModelSource struct {
	Path   string
	Policy string
	Reader io.Reader
}

// Config assembles an inference engine.
type Config struct {
	Settings      *settings.Main
	Registry      *block.Registry
	Model         ModelSource
	Transformer   Transformer
	Load          LoadFunc
	UserFunctions map[string]loss.Function
}

// Result is the outcome of inference on one data directory.
type Result struct {
	Directory string
	Inputs    map[string]*tensor.Dense
	Outputs   map[string]*tensor.Dense
	Loss      *float64
	Elapsed   float64
}

// Engine runs a trained model forward over data directories. Only weights are
// restored; optimizer state never reaches inference.
type Engine struct {
	settings    *settings.Main
	net         *network.Network
	calc        *loss.Calculator
	transformer Transformer
	load        LoadFunc
}

func New(cfg Config) (*Engine, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("no settings fed")
	}
	s := cfg.Settings
	s.ApplyDefaults()
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
	cp, err := loadCheckpoint(cfg.Model, s.Trainer.SnapshotChoiceMethod)
	if err != nil {
		return nil, err
	}
	if err := net.LoadState(cp.ModelState); err != nil {
		return nil, err
	}

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

	transformer := cfg.Transformer
	if transformer == nil {
		transformer = IdentityTransformer{}
	}
	load := cfg.Load
	if load == nil {
		load = dataset.LoadSample
	}
	return &Engine{settings: s, net: net, calc: calc, transformer: transformer, load: load}, nil
}

func loadCheckpoint(src ModelSource, defaultPolicy string) (*model.Checkpoint, error) {
	switch {
	case src.Reader != nil:
		return snapshot.LoadFromReader(src.Reader)
	case src.Path != "":
		info, err := os.Stat(src.Path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			policy := src.Policy
			if policy == "" {
				policy = defaultPolicy
			}
			sel, err := snapshot.Select(src.Path, policy)
			if err != nil {
				return nil, err
			}
			return snapshot.Load(sel.Path)
		}
		return snapshot.Load(src.Path)
	default:
		return nil, ErrNoModel
	}
}

// ResolveDirectories rejects mixing raw and preprocessed data locations.
func ResolveDirectories(raw, preprocessed []string) ([]string, error) {
	if len(raw) > 0 && len(preprocessed) > 0 {
		return nil, ErrBothDataDirs
	}
	if len(preprocessed) > 0 {
		return preprocessed, nil
	}
	return raw, nil
}

// Infer runs every directory through the model. Directories carrying answer
// arrays for all output variables also get a loss.
func (e *Engine) Infer(ctx context.Context, dirs []string) ([]Result, error) {
	tr := &e.settings.Trainer
	inputVars := toDatasetVariables(tr.Inputs)
	outputVars := toDatasetVariables(tr.Outputs)

	results := make([]Result, 0, len(dirs))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		started := time.Now()
		sample, err := e.load(dir, inputVars, tr.SupportInputs)
		if err != nil {
			return nil, err
		}

		batch := network.Batch{
			Inputs:   make(map[string]*tensor.Dense, len(inputVars)),
			Supports: sample.Supports,
		}
		for _, v := range inputVars {
			transformed, err := e.transformer.Transform(v.Name, sample.Features[v.Name])
			if err != nil {
				return nil, fmt.Errorf("transform %s: %w", v.Name, err)
			}
			batch.Inputs[v.Name] = transformed
		}

		preds, err := e.net.Forward(batch)
		if err != nil {
			return nil, fmt.Errorf("infer %s: %w", dir, err)
		}

		result := Result{
			Directory: dir,
			Inputs:    batch.Inputs,
			Outputs:   make(map[string]*tensor.Dense, len(preds)),
		}
		for name, pred := range preds {
			restored, err := e.transformer.InverseTransform(name, pred)
			if err != nil {
				return nil, fmt.Errorf("inverse transform %s: %w", name, err)
			}
			result.Outputs[name] = restored
		}

		if answers, ok := e.loadAnswers(dir, outputVars); ok {
			l, err := e.calc.Loss(preds, answers, nil)
			if err != nil {
				return nil, fmt.Errorf("loss for %s: %w", dir, err)
			}
			result.Loss = &l
		}
		result.Elapsed = time.Since(started).Seconds()
		results = append(results, result)
	}
	return results, nil
}

// loadAnswers is best-effort; a directory without answer data simply yields
// no loss.
func (e *Engine) loadAnswers(dir string, outputVars []dataset.Variable) (map[string]*tensor.Dense, bool) {
	sample, err := e.load(dir, outputVars, nil)
	if err != nil {
		return nil, false
	}
	answers := make(map[string]*tensor.Dense, len(outputVars))
	for _, v := range outputVars {
		t, ok := sample.Features[v.Name]
		if !ok {
			return nil, false
		}
		answers[v.Name] = t
	}
	return answers, true
}

// Save writes each result's outputs, a settings snapshot and a loss summary
// under outDir, one subdirectory per data directory.
func (e *Engine) Save(results []Result, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	summary, err := os.Create(filepath.Join(outDir, "loss.csv"))
	if err != nil {
		return err
	}
	defer summary.Close()
	if _, err := fmt.Fprintln(summary, "directory,loss,elapsed_time"); err != nil {
		return err
	}

	for _, r := range results {
		sub := filepath.Join(outDir, filepath.Base(r.Directory))
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return err
		}
		for name, t := range r.Outputs {
			if err := dataset.WriteDense(filepath.Join(sub, name+".json"), t); err != nil {
				return err
			}
		}
		if r.Loss != nil {
			if _, err := fmt.Fprintf(summary, "%s,%g,%g\n", r.Directory, *r.Loss, r.Elapsed); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(summary, "%s,,%g\n", r.Directory, r.Elapsed); err != nil {
				return err
			}
		}
	}
	return e.settings.Save(filepath.Join(outDir, "settings.yml"))
}

func toDatasetVariables(vars []settings.Variable) []dataset.Variable {
	out := make([]dataset.Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, dataset.Variable{Name: v.Name, Dim: v.Dim})
	}
	return out
}
