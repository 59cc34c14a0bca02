package optim

import "meshnet/internal/block"

// SGD is plain gradient descent. It carries no state.
type SGD struct {
	LearningRate float64
}

func (o *SGD) Name() string { return "sgd" }

func (o *SGD) Step(params []*block.Parameter) error {
	for _, p := range params {
		values := p.Value.Data()
		grads := p.Grad.Data()
		for i := range values {
			values[i] -= o.LearningRate * grads[i]
		}
	}
	return nil
}

func (o *SGD) State() ([]byte, error) { return nil, nil }

func (o *SGD) LoadState(_ []byte) error { return nil }
