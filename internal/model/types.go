package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// BlockSpec declares one computation node of the model graph. InputNames
// reference other blocks' OutputName or a declared external input feature.
type BlockSpec struct {
	Name       string         `json:"name" yaml:"name"`
	Type       string         `json:"type" yaml:"type"`
	InputNames []string       `json:"input_names" yaml:"input_names"`
	OutputName string         `json:"output_name" yaml:"output_name"`
	Nodes      []int          `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Activation string         `json:"activation,omitempty" yaml:"activation,omitempty"`
	Residual   bool           `json:"residual,omitempty" yaml:"residual,omitempty"`
	Bias       *bool          `json:"bias,omitempty" yaml:"bias,omitempty"`
	Support    int            `json:"support,omitempty" yaml:"support,omitempty"`
	Optional   map[string]any `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// HasBias defaults to true when Bias is left unset.
func (s BlockSpec) HasBias() bool {
	if s.Bias == nil {
		return true
	}
	return *s.Bias
}

// OriginalShape records the valid (unpadded) time length and feature count of
// one sample inside a padded batch.
type OriginalShape struct {
	Length       int `json:"length"`
	FeatureCount int `json:"feature_count"`
}

// TensorState is a serialized parameter tensor.
type TensorState struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NamedTensorState keeps checkpoint parameter order stable across encode and
// decode, which map-typed state cannot guarantee.
type NamedTensorState struct {
	Name  string      `json:"name"`
	State TensorState `json:"state"`
}

// Checkpoint is the atomic unit persisted once per logging epoch.
type Checkpoint struct {
	VersionedRecord
	RunID          string             `json:"run_id,omitempty"`
	Epoch          int                `json:"epoch"`
	TrainLoss      float64            `json:"train_loss"`
	ValidationLoss float64            `json:"validation_loss"`
	ModelState     []NamedTensorState `json:"model_state"`
	OptimizerState []byte             `json:"optimizer_state,omitempty"`
}

// LogRow is one line of the training log.
type LogRow struct {
	Epoch          int     `json:"epoch"`
	TrainLoss      float64 `json:"train_loss"`
	ValidationLoss float64 `json:"validation_loss"`
	Elapsed        float64 `json:"elapsed_time"`
}

// RunStatus is the terminal (or live) state of a training run.
type RunStatus string

const (
	RunStatusInitializing RunStatus = "initializing"
	RunStatusRunning      RunStatus = "running"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusStoppedEarly RunStatus = "stopped_early"
	RunStatusPruned       RunStatus = "pruned"
	RunStatusFailed       RunStatus = "failed"
)

// RunRecord is the stored metadata of one training run.
type RunRecord struct {
	VersionedRecord
	ID                 string    `json:"id"`
	Task               string    `json:"task,omitempty"`
	OutputDirectory    string    `json:"output_directory"`
	Status             RunStatus `json:"status"`
	BestValidationLoss float64   `json:"best_validation_loss"`
	Epochs             int       `json:"epochs"`
	CreatedAtUnix      int64     `json:"created_at_unix"`
}

// CheckpointIndexEntry locates one snapshot file of a run.
type CheckpointIndexEntry struct {
	Epoch          int     `json:"epoch"`
	Path           string  `json:"path"`
	TrainLoss      float64 `json:"train_loss"`
	ValidationLoss float64 `json:"validation_loss"`
}
