package block

import (
	"fmt"
	"math"
	"math/rand"

	"meshnet/internal/model"
	"meshnet/internal/tensor"
)

// gcn is a graph convolution stack: each layer computes act(S @ X @ W + b)
// with S the sparse support selected by spec.Support.
type gcn struct {
	spec       model.BlockSpec
	dims       []int
	weights    []*Parameter
	biases     []*Parameter
	activate   ActivationFunc
	derivative ActivationFunc

	support    *tensor.Sparse
	propagated []*tensor.Dense
	preAct     []*tensor.Dense
	inWidths   []int
	residual   *tensor.Dense
}

func newGCN(spec model.BlockSpec) (Block, error) {
	if len(spec.Nodes) < 2 {
		return nil, fmt.Errorf("gcn %s: nodes must declare at least input and output dimensions, got %v", spec.Name, spec.Nodes)
	}
	fn, derivative, err := GetActivation(spec.Activation)
	if err != nil {
		return nil, fmt.Errorf("gcn %s: %w", spec.Name, err)
	}
	b := &gcn{
		spec:       spec,
		dims:       append([]int(nil), spec.Nodes...),
		activate:   fn,
		derivative: derivative,
	}
	for l := 0; l+1 < len(b.dims); l++ {
		b.weights = append(b.weights, &Parameter{
			Name:  fmt.Sprintf("w%d", l),
			Value: tensor.New(b.dims[l], b.dims[l+1]),
			Grad:  tensor.New(b.dims[l], b.dims[l+1]),
		})
		if spec.HasBias() {
			b.biases = append(b.biases, &Parameter{
				Name:  fmt.Sprintf("b%d", l),
				Value: tensor.New(1, b.dims[l+1]),
				Grad:  tensor.New(1, b.dims[l+1]),
			})
		} else {
			b.biases = append(b.biases, nil)
		}
	}
	return b, nil
}

func (b *gcn) Spec() model.BlockSpec { return b.spec }

func (b *gcn) Initialize(rng *rand.Rand) {
	for l, w := range b.weights {
		limit := math.Sqrt(6 / float64(b.dims[l]+b.dims[l+1]))
		data := w.Value.Data()
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * limit
		}
	}
}

func (b *gcn) Forward(inputs []*tensor.Dense, supports []*tensor.Sparse, _ []model.OriginalShape) (*tensor.Dense, error) {
	if b.spec.Support < 0 || b.spec.Support >= len(supports) {
		return nil, fmt.Errorf("gcn %s: support index %d out of range (%d supports)", b.spec.Name, b.spec.Support, len(supports))
	}
	b.support = supports[b.spec.Support]

	x, err := tensor.ConcatCols(inputs...)
	if err != nil {
		return nil, fmt.Errorf("gcn %s: %w", b.spec.Name, err)
	}
	b.inWidths = b.inWidths[:0]
	for _, in := range inputs {
		b.inWidths = append(b.inWidths, in.Cols())
	}
	if x.Cols() != b.dims[0] {
		return nil, fmt.Errorf("gcn %s: input dimension %d, want %d", b.spec.Name, x.Cols(), b.dims[0])
	}
	if b.spec.Residual {
		b.residual = x
	}

	b.propagated = b.propagated[:0]
	b.preAct = b.preAct[:0]
	h := x
	for l, w := range b.weights {
		p, err := b.support.MulDense(h)
		if err != nil {
			return nil, fmt.Errorf("gcn %s layer %d: %w", b.spec.Name, l, err)
		}
		b.propagated = append(b.propagated, p)
		z, err := tensor.MatMul(p, w.Value)
		if err != nil {
			return nil, fmt.Errorf("gcn %s layer %d: %w", b.spec.Name, l, err)
		}
		if b.biases[l] != nil {
			addRowBroadcast(z, b.biases[l].Value)
		}
		b.preAct = append(b.preAct, z)
		h = apply(z, b.activate)
	}

	if b.spec.Residual {
		if err := h.AddInPlace(b.residual); err != nil {
			return nil, fmt.Errorf("gcn %s residual: %w", b.spec.Name, err)
		}
	}
	return h, nil
}

func (b *gcn) Backward(grad *tensor.Dense) ([]*tensor.Dense, error) {
	g := grad
	var residualGrad *tensor.Dense
	if b.spec.Residual {
		residualGrad = grad
	}
	for l := len(b.weights) - 1; l >= 0; l-- {
		dz := hadamardDerivative(g, b.preAct[l], b.derivative)
		dw, err := tensor.TMatMul(b.propagated[l], dz)
		if err != nil {
			return nil, fmt.Errorf("gcn %s layer %d backward: %w", b.spec.Name, l, err)
		}
		if err := b.weights[l].Grad.AddInPlace(dw); err != nil {
			return nil, err
		}
		if b.biases[l] != nil {
			accumulateColumnSums(b.biases[l].Grad, dz)
		}
		dp, err := tensor.MatMulT(dz, b.weights[l].Value)
		if err != nil {
			return nil, fmt.Errorf("gcn %s layer %d backward: %w", b.spec.Name, l, err)
		}
		g, err = b.support.TMulDense(dp)
		if err != nil {
			return nil, fmt.Errorf("gcn %s layer %d backward: %w", b.spec.Name, l, err)
		}
	}
	if residualGrad != nil {
		if err := g.AddInPlace(residualGrad); err != nil {
			return nil, fmt.Errorf("gcn %s residual backward: %w", b.spec.Name, err)
		}
	}
	return splitCols(g, b.inWidths)
}

func (b *gcn) Parameters() []*Parameter {
	params := make([]*Parameter, 0, len(b.weights)*2)
	for l, w := range b.weights {
		params = append(params, w)
		if b.biases[l] != nil {
			params = append(params, b.biases[l])
		}
	}
	return params
}
