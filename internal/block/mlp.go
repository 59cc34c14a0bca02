package block

import (
	"fmt"
	"math"
	"math/rand"

	"meshnet/internal/model"
	"meshnet/internal/tensor"
)

// mlp is a stack of fully connected layers. Several inputs are concatenated
// feature-wise in declared order before the first layer.
type mlp struct {
	spec       model.BlockSpec
	dims       []int
	weights    []*Parameter
	biases     []*Parameter
	activate   ActivationFunc
	derivative ActivationFunc

	// forward cache for the reverse pass
	layerIn  []*tensor.Dense
	preAct   []*tensor.Dense
	inWidths []int
	residual *tensor.Dense
}

func newMLP(spec model.BlockSpec) (Block, error) {
	if len(spec.Nodes) < 2 {
		return nil, fmt.Errorf("mlp %s: nodes must declare at least input and output dimensions, got %v", spec.Name, spec.Nodes)
	}
	fn, derivative, err := GetActivation(spec.Activation)
	if err != nil {
		return nil, fmt.Errorf("mlp %s: %w", spec.Name, err)
	}
	b := &mlp{
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

func (b *mlp) Spec() model.BlockSpec { return b.spec }

// Initialize draws Glorot-uniform weights from the run's seeded source.
func (b *mlp) Initialize(rng *rand.Rand) {
	for l, w := range b.weights {
		limit := math.Sqrt(6 / float64(b.dims[l]+b.dims[l+1]))
		data := w.Value.Data()
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * limit
		}
	}
}

func (b *mlp) Forward(inputs []*tensor.Dense, _ []*tensor.Sparse, _ []model.OriginalShape) (*tensor.Dense, error) {
	x, err := tensor.ConcatCols(inputs...)
	if err != nil {
		return nil, fmt.Errorf("mlp %s: %w", b.spec.Name, err)
	}
	b.inWidths = b.inWidths[:0]
	for _, in := range inputs {
		b.inWidths = append(b.inWidths, in.Cols())
	}
	if x.Cols() != b.dims[0] {
		return nil, fmt.Errorf("mlp %s: input dimension %d, want %d", b.spec.Name, x.Cols(), b.dims[0])
	}
	if b.spec.Residual {
		b.residual = x
	}

	b.layerIn = b.layerIn[:0]
	b.preAct = b.preAct[:0]
	h := x
	for l, w := range b.weights {
		b.layerIn = append(b.layerIn, h)
		z, err := tensor.MatMul(h, w.Value)
		if err != nil {
			return nil, fmt.Errorf("mlp %s layer %d: %w", b.spec.Name, l, err)
		}
		if b.biases[l] != nil {
			addRowBroadcast(z, b.biases[l].Value)
		}
		b.preAct = append(b.preAct, z)
		h = apply(z, b.activate)
	}

	if b.spec.Residual {
		if err := h.AddInPlace(b.residual); err != nil {
			return nil, fmt.Errorf("mlp %s residual: %w", b.spec.Name, err)
		}
	}
	return h, nil
}

func (b *mlp) Backward(grad *tensor.Dense) ([]*tensor.Dense, error) {
	g := grad
	var residualGrad *tensor.Dense
	if b.spec.Residual {
		residualGrad = grad
	}
	for l := len(b.weights) - 1; l >= 0; l-- {
		dz := hadamardDerivative(g, b.preAct[l], b.derivative)
		dw, err := tensor.TMatMul(b.layerIn[l], dz)
		if err != nil {
			return nil, fmt.Errorf("mlp %s layer %d backward: %w", b.spec.Name, l, err)
		}
		if err := b.weights[l].Grad.AddInPlace(dw); err != nil {
			return nil, err
		}
		if b.biases[l] != nil {
			accumulateColumnSums(b.biases[l].Grad, dz)
		}
		g, err = tensor.MatMulT(dz, b.weights[l].Value)
		if err != nil {
			return nil, fmt.Errorf("mlp %s layer %d backward: %w", b.spec.Name, l, err)
		}
	}
	if residualGrad != nil {
		if err := g.AddInPlace(residualGrad); err != nil {
			return nil, fmt.Errorf("mlp %s residual backward: %w", b.spec.Name, err)
		}
	}
	return splitCols(g, b.inWidths)
}

func (b *mlp) Parameters() []*Parameter {
	params := make([]*Parameter, 0, len(b.weights)*2)
	for l, w := range b.weights {
		params = append(params, w)
		if b.biases[l] != nil {
			params = append(params, b.biases[l])
		}
	}
	return params
}

func apply(t *tensor.Dense, fn ActivationFunc) *tensor.Dense {
	out := t.Clone()
	data := out.Data()
	for i, v := range data {
		data[i] = fn(v)
	}
	return out
}

func hadamardDerivative(grad, preAct *tensor.Dense, derivative ActivationFunc) *tensor.Dense {
	out := grad.Clone()
	data := out.Data()
	src := preAct.Data()
	for i := range data {
		data[i] *= derivative(src[i])
	}
	return out
}

func addRowBroadcast(t, row *tensor.Dense) {
	cols := t.Cols()
	data := t.Data()
	bias := row.Data()
	for i := 0; i < t.Rows(); i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] += bias[j]
		}
	}
}

func accumulateColumnSums(dst, t *tensor.Dense) {
	cols := t.Cols()
	data := t.Data()
	sums := dst.Data()
	for i := 0; i < t.Rows(); i++ {
		for j := 0; j < cols; j++ {
			sums[j] += data[i*cols+j]
		}
	}
}

func splitCols(t *tensor.Dense, widths []int) ([]*tensor.Dense, error) {
	if len(widths) == 1 {
		return []*tensor.Dense{t}, nil
	}
	out := make([]*tensor.Dense, 0, len(widths))
	offset := 0
	for _, w := range widths {
		part, err := t.SliceCols(offset, offset+w)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
		offset += w
	}
	return out, nil
}
