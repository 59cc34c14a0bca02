package optim

import (
	"errors"
	"fmt"

	"meshnet/internal/block"
)

var ErrUnknownOptimizer = errors.New("Unknown optimizer name")

// Optimizer applies accumulated gradients to parameters. State round-trips
// through checkpoints as an opaque blob.
type Optimizer interface {
	Name() string
	Step(params []*block.Parameter) error
	State() ([]byte, error)
	LoadState(data []byte) error
}

// New resolves the optimizer named in settings.
func New(name string, learningRate float64) (Optimizer, error) {
	if learningRate <= 0 {
		learningRate = 0.001
	}
	switch name {
	case "", "adam":
		return NewAdam(learningRate), nil
	case "sgd":
		return &SGD{LearningRate: learningRate}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOptimizer, name)
	}
}
