package meshnet

import (
	"context"
	"errors"
	"io"

	"meshnet/internal/block"
	"meshnet/internal/infer"
	"meshnet/internal/loss"
	"meshnet/internal/model"
	"meshnet/internal/settings"
	"meshnet/internal/snapshot"
	"meshnet/internal/storage"
	"meshnet/internal/trainer"
)

// Options configure a Client's persistence backend.
type Options struct {
	StoreKind string
	DBPath    string
}

// Client is the embedding surface for training and inference without the CLI.
type Client struct {
	store storage.Store
}

type TrainRequest struct {
	SettingsPath string
	Settings     *settings.Main

	Registry      *block.Registry
	Pruner        trainer.Pruner
	Probe         trainer.DeviceProbe
	LogWriter     io.Writer
	UserFunctions map[string]loss.Function
}

type TrainResult struct {
	RunID           string
	ValidationLoss  float64
	Status          model.RunStatus
	OutputDirectory string
}

type InferRequest struct {
	SettingsPath string
	Settings     *settings.Main

	ModelPath        string
	Policy           string
	ModelReader      io.Reader
	DataDirectories  []string
	PreprocessedDirs []string
	OutputDirectory  string
	Save             bool

	Registry    *block.Registry
	Transformer infer.Transformer
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	store, err := storage.NewStore(storeKind, opts.DBPath)
	if err != nil {
		return nil, err
	}
	return &Client{store: store}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) resolveSettings(path string, loaded *settings.Main) (*settings.Main, error) {
	if loaded != nil {
		return loaded, nil
	}
	if path == "" {
		return nil, errors.New("no settings fed")
	}
	return settings.Load(path)
}

// Train runs one training run end to end and returns its best validation
// loss over the whole history.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainResult, error) {
	s, err := c.resolveSettings(req.SettingsPath, req.Settings)
	if err != nil {
		return TrainResult{}, err
	}
	t, err := trainer.New(trainer.Config{
		Settings:      s,
		Registry:      req.Registry,
		Store:         c.store,
		Pruner:        req.Pruner,
		Probe:         req.Probe,
		LogWriter:     req.LogWriter,
		UserFunctions: req.UserFunctions,
	})
	if err != nil {
		return TrainResult{}, err
	}
	best, err := t.Train(ctx)
	result := TrainResult{
		RunID:           t.RunID(),
		ValidationLoss:  best,
		Status:          t.Status(),
		OutputDirectory: s.Trainer.OutputDirectory,
	}
	return result, err
}

// Infer runs a trained model over data directories, optionally saving the
// outputs.
func (c *Client) Infer(ctx context.Context, req InferRequest) ([]infer.Result, error) {
	s, err := c.resolveSettings(req.SettingsPath, req.Settings)
	if err != nil {
		return nil, err
	}
	dirs, err := infer.ResolveDirectories(req.DataDirectories, req.PreprocessedDirs)
	if err != nil {
		return nil, err
	}
	engine, err := infer.New(infer.Config{
		Settings: s,
		Registry: req.Registry,
		Model: infer.ModelSource{
			Path:   req.ModelPath,
			Policy: req.Policy,
			Reader: req.ModelReader,
		},
		Transformer: req.Transformer,
	})
	if err != nil {
		return nil, err
	}
	results, err := engine.Infer(ctx, dirs)
	if err != nil {
		return nil, err
	}
	if req.Save && req.OutputDirectory != "" {
		if err := engine.Save(results, req.OutputDirectory); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Runs lists stored run records, oldest first.
func (c *Client) Runs(ctx context.Context) ([]model.RunRecord, error) {
	return c.store.ListRuns(ctx)
}

// Log returns the mirrored training log of a run.
func (c *Client) Log(ctx context.Context, runID string) ([]model.LogRow, bool, error) {
	return c.store.GetLogRows(ctx, runID)
}

// SelectSnapshot applies a choice policy to a run directory.
func (c *Client) SelectSnapshot(dir, policy string) (*snapshot.Selection, error) {
	return snapshot.Select(dir, policy)
}
