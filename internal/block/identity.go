package block

import (
	"errors"
	"fmt"

	"meshnet/internal/model"
	"meshnet/internal/tensor"
)

// identity passes its input through; with several inputs it sums them, which
// makes it usable as a merge point in the graph.
type identity struct {
	spec    model.BlockSpec
	inCount int
}

func newIdentity(spec model.BlockSpec) (Block, error) {
	return &identity{spec: spec}, nil
}

func (b *identity) Spec() model.BlockSpec { return b.spec }

func (b *identity) Forward(inputs []*tensor.Dense, _ []*tensor.Sparse, _ []model.OriginalShape) (*tensor.Dense, error) {
	if len(inputs) == 0 {
		return nil, errors.New("identity block received no inputs")
	}
	b.inCount = len(inputs)
	out := inputs[0].Clone()
	for _, in := range inputs[1:] {
		if err := out.AddInPlace(in); err != nil {
			return nil, fmt.Errorf("identity %s: %w", b.spec.Name, err)
		}
	}
	return out, nil
}

func (b *identity) Backward(grad *tensor.Dense) ([]*tensor.Dense, error) {
	grads := make([]*tensor.Dense, b.inCount)
	for i := range grads {
		grads[i] = grad.Clone()
	}
	return grads, nil
}

func (b *identity) Parameters() []*Parameter { return nil }
