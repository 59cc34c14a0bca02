package loss

import (
	"fmt"

	"meshnet/internal/tensor"
)

// Variable describes one named output variable and its feature width.
type Variable struct {
	Name string
	Dim  int
}

// VariableMask drops skipped variables before loss evaluation. With no skips
// it is the identity.
type VariableMask struct {
	variables []Variable
	skips     map[string]bool
}

func NewVariableMask(variables []Variable, skips []string) VariableMask {
	skipSet := make(map[string]bool, len(skips))
	for _, name := range skips {
		skipSet[name] = true
	}
	return VariableMask{variables: append([]Variable(nil), variables...), skips: skipSet}
}

func (m VariableMask) Identity() bool { return len(m.skips) == 0 }

func (m VariableMask) Skipped(name string) bool { return m.skips[name] }

// Apply masks a flat rank-2 pair whose columns are the declared variables in
// order.
func (m VariableMask) Apply(pred, target *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	if m.Identity() {
		return pred, target, nil
	}
	if len(m.variables) == 0 {
		return nil, nil, fmt.Errorf("output_skips given but no output variables declared")
	}
	var keptPred, keptTarget []*tensor.Dense
	offset := 0
	for _, v := range m.variables {
		if !m.skips[v.Name] {
			p, err := pred.SliceCols(offset, offset+v.Dim)
			if err != nil {
				return nil, nil, fmt.Errorf("mask %s: %w", v.Name, err)
			}
			t, err := target.SliceCols(offset, offset+v.Dim)
			if err != nil {
				return nil, nil, fmt.Errorf("mask %s: %w", v.Name, err)
			}
			keptPred = append(keptPred, p)
			keptTarget = append(keptTarget, t)
		}
		offset += v.Dim
	}
	if len(keptPred) == 0 {
		return nil, nil, fmt.Errorf("output_skips removed every output variable")
	}
	maskedPred, err := tensor.ConcatCols(keptPred...)
	if err != nil {
		return nil, nil, err
	}
	maskedTarget, err := tensor.ConcatCols(keptTarget...)
	if err != nil {
		return nil, nil, err
	}
	return maskedPred, maskedTarget, nil
}

// Scatter maps a gradient over the masked columns back onto the full column
// layout, leaving skipped variables at zero.
func (m VariableMask) Scatter(maskedGrad *tensor.Dense, fullShape *tensor.Dense) (*tensor.Dense, error) {
	if m.Identity() {
		return maskedGrad, nil
	}
	out := fullShape.ZeroLike()
	rows := out.Rows()
	fullCols := out.Cols()
	maskedCols := maskedGrad.Cols()
	src := maskedGrad.Data()
	dst := out.Data()
	srcOffset := 0
	dstOffset := 0
	for _, v := range m.variables {
		if !m.skips[v.Name] {
			for i := 0; i < rows; i++ {
				copy(dst[i*fullCols+dstOffset:i*fullCols+dstOffset+v.Dim], src[i*maskedCols+srcOffset:i*maskedCols+srcOffset+v.Dim])
			}
			srcOffset += v.Dim
		}
		dstOffset += v.Dim
	}
	return out, nil
}
