package block

import (
	"errors"
	"fmt"

	"meshnet/internal/model"
	"meshnet/internal/tensor"
)

// reducer collapses element-wise features to one graph-wise row by averaging
// over elements.
type reducer struct {
	spec model.BlockSpec
	rows int
	cols int
}

func newReducer(spec model.BlockSpec) (Block, error) {
	return &reducer{spec: spec}, nil
}

func (b *reducer) Spec() model.BlockSpec { return b.spec }

func (b *reducer) Forward(inputs []*tensor.Dense, _ []*tensor.Sparse, _ []model.OriginalShape) (*tensor.Dense, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("reducer %s: want exactly one input, got %d", b.spec.Name, len(inputs))
	}
	x := inputs[0]
	if x.Rank() != 2 {
		return nil, fmt.Errorf("reducer %s: %w: rank %d", b.spec.Name, tensor.ErrRank, x.Rank())
	}
	if x.Rows() == 0 {
		return nil, errors.New("reducer received an empty tensor")
	}
	b.rows, b.cols = x.Rows(), x.Cols()
	out := tensor.New(1, b.cols)
	data := x.Data()
	sums := out.Data()
	for i := 0; i < b.rows; i++ {
		for j := 0; j < b.cols; j++ {
			sums[j] += data[i*b.cols+j]
		}
	}
	out.Scale(1 / float64(b.rows))
	return out, nil
}

func (b *reducer) Backward(grad *tensor.Dense) ([]*tensor.Dense, error) {
	out := tensor.New(b.rows, b.cols)
	data := out.Data()
	src := grad.Data()
	inv := 1 / float64(b.rows)
	for i := 0; i < b.rows; i++ {
		for j := 0; j < b.cols; j++ {
			data[i*b.cols+j] = src[j] * inv
		}
	}
	return []*tensor.Dense{out}, nil
}

func (b *reducer) Parameters() []*Parameter { return nil }
