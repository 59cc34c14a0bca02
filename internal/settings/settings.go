package settings

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"meshnet/internal/model"
)

var (
	ErrNoInputs        = errors.New("No input_names fed")
	ErrNoOutputs       = errors.New("No output_names fed")
	ErrConflict        = errors.New("conflicting settings")
	ErrAmbiguousDir    = errors.New("ambiguous settings directory")
	ErrRestartPretrain = errors.New("Restart directory and pretrain directory cannot be specified at the same time")
)

// Variable declares one named data variable and its feature dimension.
type Variable struct {
	Name string `yaml:"name"`
	Dim  int    `yaml:"dim"`
}

// LossSetting is either a single loss-function name or a variable→name map.
type LossSetting struct {
	Name       string
	ByVariable map[string]string
}

func (l *LossSetting) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&l.Name)
	case yaml.MappingNode:
		return value.Decode(&l.ByVariable)
	default:
		return fmt.Errorf("unsupported loss setting node kind: %d", value.Kind)
	}
}

func (l LossSetting) MarshalYAML() (any, error) {
	if len(l.ByVariable) > 0 {
		return l.ByVariable, nil
	}
	if l.Name == "" {
		return "mse", nil
	}
	return l.Name, nil
}

// Value yields the form the loss assignment constructor accepts.
func (l LossSetting) Value() any {
	if len(l.ByVariable) > 0 {
		return l.ByVariable
	}
	if l.Name == "" {
		return "mse"
	}
	return l.Name
}

type Data struct {
	Train      []string `yaml:"train"`
	Validation []string `yaml:"validation"`
	Test       []string `yaml:"test,omitempty"`
}

type Trainer struct {
	Inputs  []Variable `yaml:"inputs"`
	Outputs []Variable `yaml:"outputs"`

	Seed                int      `yaml:"seed"`
	NEpoch              int      `yaml:"n_epoch"`
	BatchSize           int      `yaml:"batch_size"`
	ValidationBatchSize int      `yaml:"validation_batch_size"`
	ElementBatchSize    int      `yaml:"element_batch_size"`
	ElementWise         bool     `yaml:"element_wise"`
	TimeSeries          bool     `yaml:"time_series"`
	SupportInputs       []string `yaml:"support_inputs,omitempty"`

	Optimizer    string      `yaml:"optimizer"`
	LearningRate float64     `yaml:"learning_rate"`
	LossFunction LossSetting `yaml:"loss_function"`
	OutputSkips  []string    `yaml:"output_skips,omitempty"`

	LogTriggerEpoch  int  `yaml:"log_trigger_epoch"`
	StopTriggerEpoch int  `yaml:"stop_trigger_epoch"`
	Patience         int  `yaml:"patience"`
	Prune            bool `yaml:"prune"`

	GPUID         int  `yaml:"gpu_id"`
	DataParallel  bool `yaml:"data_parallel"`
	ModelParallel bool `yaml:"model_parallel"`
	Workers       int  `yaml:"workers"`

	OutputDirectory      string `yaml:"output_directory"`
	PretrainDirectory    string `yaml:"pretrain_directory,omitempty"`
	RestartDirectory     string `yaml:"restart_directory,omitempty"`
	SnapshotChoiceMethod string `yaml:"snapshot_choice_method,omitempty"`
}

type Model struct {
	Blocks  []model.BlockSpec `yaml:"blocks"`
	Outputs []string          `yaml:"outputs,omitempty"`
}

// Main is the whole settings document.
type Main struct {
	Data    Data    `yaml:"data"`
	Trainer Trainer `yaml:"trainer"`
	Model   Model   `yaml:"model"`
}

// InputNames lists the declared external input feature names.
func (m *Main) InputNames() []string {
	names := make([]string, 0, len(m.Trainer.Inputs))
	for _, v := range m.Trainer.Inputs {
		names = append(names, v.Name)
	}
	return names
}

// OutputNames resolves the model outputs, defaulting to the trainer's output
// variable names.
func (m *Main) OutputNames() []string {
	if len(m.Model.Outputs) > 0 {
		return append([]string(nil), m.Model.Outputs...)
	}
	names := make([]string, 0, len(m.Trainer.Outputs))
	for _, v := range m.Trainer.Outputs {
		names = append(names, v.Name)
	}
	return names
}

// OutputIsDict reports whether the loss is computed per named variable.
func (m *Main) OutputIsDict() bool {
	return len(m.Trainer.LossFunction.ByVariable) > 0 || len(m.OutputNames()) > 1
}

func (m *Main) Validate() error {
	t := &m.Trainer
	if len(t.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	if t.RestartDirectory != "" && t.PretrainDirectory != "" {
		return ErrRestartPretrain
	}
	if t.BatchSize > 1 && t.ElementBatchSize > 1 {
		return fmt.Errorf("%w: batch_size cannot be > 1 when element_batch_size > 1", ErrConflict)
	}
	if t.ElementWise && t.ElementBatchSize < 1 {
		return fmt.Errorf("%w: element_batch_size is %d < 1 while element_wise is set to be true", ErrConflict, t.ElementBatchSize)
	}
	if t.ElementWise && t.TimeSeries {
		return fmt.Errorf("%w: element_wise and time_series cannot both be true", ErrConflict)
	}
	if t.DataParallel && t.TimeSeries {
		return fmt.Errorf("%w: so far both data_parallel and time_series cannot be true", ErrConflict)
	}
	if t.TimeSeries && m.OutputIsDict() {
		return fmt.Errorf("%w: time_series outputs cannot be dict-keyed", ErrConflict)
	}
	if len(m.Model.Blocks) == 0 {
		return fmt.Errorf("%w: no model blocks declared", ErrConflict)
	}
	return nil
}

// ApplyDefaults fills the cadence fields the trainer needs.
func (m *Main) ApplyDefaults() {
	t := &m.Trainer
	if t.NEpoch <= 0 {
		t.NEpoch = 100
	}
	if t.BatchSize <= 0 {
		t.BatchSize = 1
	}
	if t.ValidationBatchSize <= 0 {
		t.ValidationBatchSize = t.BatchSize
	}
	if t.LogTriggerEpoch <= 0 {
		t.LogTriggerEpoch = 1
	}
	if t.StopTriggerEpoch <= 0 {
		t.StopTriggerEpoch = t.LogTriggerEpoch
	}
	if t.Patience <= 0 {
		t.Patience = 3
	}
	if t.Optimizer == "" {
		t.Optimizer = "adam"
	}
	if t.LearningRate <= 0 {
		t.LearningRate = 0.001
	}
	if t.SnapshotChoiceMethod == "" {
		t.SnapshotChoiceMethod = "best"
	}
	if t.GPUID == 0 {
		t.GPUID = -1
	}
}

func Load(path string) (*Main, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadFrom(f)
}

func LoadFrom(r io.Reader) (*Main, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var m Main
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	m.ApplyDefaults()
	return &m, nil
}

func (m *Main) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// FindIn locates the settings file of a run directory; policies that need to
// reconcile settings require exactly one.
func FindIn(dir string) (string, error) {
	var matches []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		found, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return "", err
		}
		matches = append(matches, found...)
	}
	sort.Strings(matches)
	if len(matches) != 1 {
		return "", fmt.Errorf("%w: %d settings files found in %s", ErrAmbiguousDir, len(matches), dir)
	}
	return matches[0], nil
}
