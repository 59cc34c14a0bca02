package loss

import (
	"errors"
	"fmt"

	"meshnet/internal/tensor"
)

var ErrUnknownFunction = errors.New("Unknown loss function name")

// Function is one scalar loss with its gradient with respect to the
// prediction. Both operate on tensors of identical element count.
type Function struct {
	Fn   func(pred, target *tensor.Dense) (float64, error)
	Grad func(pred, target *tensor.Dense) (*tensor.Dense, error)
}

// MSE is the built-in mean squared error.
func MSE() Function {
	return Function{
		Fn: func(pred, target *tensor.Dense) (float64, error) {
			p, t := pred.Data(), target.Data()
			if len(p) != len(t) {
				return 0, fmt.Errorf("%w: %v vs %v", tensor.ErrShapeMismatch, pred.Shape(), target.Shape())
			}
			if len(p) == 0 {
				return 0, errors.New("empty loss target")
			}
			sum := 0.0
			for i := range p {
				d := p[i] - t[i]
				sum += d * d
			}
			return sum / float64(len(p)), nil
		},
		Grad: func(pred, target *tensor.Dense) (*tensor.Dense, error) {
			p, t := pred.Data(), target.Data()
			if len(p) != len(t) {
				return nil, fmt.Errorf("%w: %v vs %v", tensor.ErrShapeMismatch, pred.Shape(), target.Shape())
			}
			out := pred.ZeroLike()
			data := out.Data()
			scale := 2 / float64(len(p))
			for i := range p {
				data[i] = scale * (p[i] - t[i])
			}
			return out, nil
		},
	}
}

// functionTable merges the built-ins with user-supplied overrides.
func functionTable(user map[string]Function) map[string]Function {
	table := map[string]Function{
		"mse": MSE(),
	}
	for name, fn := range user {
		table[name] = fn
	}
	return table
}
