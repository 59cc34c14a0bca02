package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrRank          = errors.New("unsupported tensor rank")
)

// Dense is a row-major tensor backed by a flat float64 slice.
type Dense struct {
	shape []int
	data  []float64
}

func New(shape ...int) *Dense {
	return &Dense{shape: append([]int(nil), shape...), data: make([]float64, size(shape))}
}

func NewWithData(data []float64, shape ...int) (*Dense, error) {
	if len(data) != size(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Dense{shape: append([]int(nil), shape...), data: data}, nil
}

func MustNew(data []float64, shape ...int) *Dense {
	d, err := NewWithData(data, shape...)
	if err != nil {
		panic(err)
	}
	return d
}

func size(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (d *Dense) Shape() []int    { return append([]int(nil), d.shape...) }
func (d *Dense) Rank() int       { return len(d.shape) }
func (d *Dense) Size() int       { return len(d.data) }
func (d *Dense) Data() []float64 { return d.data }

func (d *Dense) Rows() int {
	if len(d.shape) != 2 {
		return 0
	}
	return d.shape[0]
}

func (d *Dense) Cols() int {
	if len(d.shape) != 2 {
		return 0
	}
	return d.shape[1]
}

func (d *Dense) At(i, j int) float64 {
	return d.data[i*d.shape[1]+j]
}

func (d *Dense) Set(i, j int, v float64) {
	d.data[i*d.shape[1]+j] = v
}

func (d *Dense) Clone() *Dense {
	return &Dense{
		shape: append([]int(nil), d.shape...),
		data:  append([]float64(nil), d.data...),
	}
}

// Reshape returns a view with a new shape of identical size.
func (d *Dense) Reshape(shape ...int) (*Dense, error) {
	if size(shape) != len(d.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, d.shape, shape)
	}
	return &Dense{shape: append([]int(nil), shape...), data: d.data}, nil
}

// Flatten returns a rank-1 view of the data.
func (d *Dense) Flatten() *Dense {
	return &Dense{shape: []int{len(d.data)}, data: d.data}
}

func (d *Dense) ZeroLike() *Dense {
	return New(d.shape...)
}

func (d *Dense) Fill(v float64) {
	for i := range d.data {
		d.data[i] = v
	}
}

func (d *Dense) Zero() { d.Fill(0) }

func sameShape(a, b *Dense) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

func (d *Dense) AddInPlace(other *Dense) error {
	if len(d.data) != len(other.data) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, d.shape, other.shape)
	}
	for i, v := range other.data {
		d.data[i] += v
	}
	return nil
}

func (d *Dense) Scale(f float64) {
	for i := range d.data {
		d.data[i] *= f
	}
}

func Add(a, b *Dense) (*Dense, error) {
	if !sameShape(a, b) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.shape, b.shape)
	}
	out := a.Clone()
	_ = out.AddInPlace(b)
	return out, nil
}

func Sub(a, b *Dense) (*Dense, error) {
	if !sameShape(a, b) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.shape, b.shape)
	}
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] -= v
	}
	return out, nil
}

func (d *Dense) matrix() (*mat.Dense, error) {
	if len(d.shape) != 2 {
		return nil, fmt.Errorf("%w: rank %d, want 2", ErrRank, len(d.shape))
	}
	return mat.NewDense(d.shape[0], d.shape[1], d.data), nil
}

// MatMul computes a @ b for rank-2 tensors.
func MatMul(a, b *Dense) (*Dense, error) {
	ma, err := a.matrix()
	if err != nil {
		return nil, err
	}
	mb, err := b.matrix()
	if err != nil {
		return nil, err
	}
	if a.shape[1] != b.shape[0] {
		return nil, fmt.Errorf("%w: %v @ %v", ErrShapeMismatch, a.shape, b.shape)
	}
	out := New(a.shape[0], b.shape[1])
	mo, _ := out.matrix()
	mo.Mul(ma, mb)
	return out, nil
}

// MatMulT computes a @ bᵀ.
func MatMulT(a, b *Dense) (*Dense, error) {
	ma, err := a.matrix()
	if err != nil {
		return nil, err
	}
	mb, err := b.matrix()
	if err != nil {
		return nil, err
	}
	if a.shape[1] != b.shape[1] {
		return nil, fmt.Errorf("%w: %v @ %vᵀ", ErrShapeMismatch, a.shape, b.shape)
	}
	out := New(a.shape[0], b.shape[0])
	mo, _ := out.matrix()
	mo.Mul(ma, mb.T())
	return out, nil
}

// TMatMul computes aᵀ @ b.
func TMatMul(a, b *Dense) (*Dense, error) {
	ma, err := a.matrix()
	if err != nil {
		return nil, err
	}
	mb, err := b.matrix()
	if err != nil {
		return nil, err
	}
	if a.shape[0] != b.shape[0] {
		return nil, fmt.Errorf("%w: %vᵀ @ %v", ErrShapeMismatch, a.shape, b.shape)
	}
	out := New(a.shape[1], b.shape[1])
	mo, _ := out.matrix()
	mo.Mul(ma.T(), mb)
	return out, nil
}

// SliceRows copies rows [from, to) of a rank-2 tensor.
func (d *Dense) SliceRows(from, to int) (*Dense, error) {
	if len(d.shape) != 2 {
		return nil, fmt.Errorf("%w: rank %d, want 2", ErrRank, len(d.shape))
	}
	if from < 0 || to > d.shape[0] || from > to {
		return nil, fmt.Errorf("row slice [%d:%d) out of range for %v", from, to, d.shape)
	}
	cols := d.shape[1]
	out := New(to-from, cols)
	copy(out.data, d.data[from*cols:to*cols])
	return out, nil
}

// SliceCols copies columns [from, to) of a rank-2 tensor.
func (d *Dense) SliceCols(from, to int) (*Dense, error) {
	if len(d.shape) != 2 {
		return nil, fmt.Errorf("%w: rank %d, want 2", ErrRank, len(d.shape))
	}
	if from < 0 || to > d.shape[1] || from > to {
		return nil, fmt.Errorf("column slice [%d:%d) out of range for %v", from, to, d.shape)
	}
	rows := d.shape[0]
	out := New(rows, to-from)
	for i := 0; i < rows; i++ {
		copy(out.data[i*(to-from):(i+1)*(to-from)], d.data[i*d.shape[1]+from:i*d.shape[1]+to])
	}
	return out, nil
}

// ConcatRows stacks rank-2 tensors with equal column counts.
func ConcatRows(tensors ...*Dense) (*Dense, error) {
	if len(tensors) == 0 {
		return nil, errors.New("no tensors to concatenate")
	}
	cols := tensors[0].Cols()
	rows := 0
	for _, t := range tensors {
		if len(t.shape) != 2 || t.Cols() != cols {
			return nil, fmt.Errorf("%w: concatenating %v with column count %d", ErrShapeMismatch, t.shape, cols)
		}
		rows += t.Rows()
	}
	out := New(rows, cols)
	offset := 0
	for _, t := range tensors {
		copy(out.data[offset:], t.data)
		offset += len(t.data)
	}
	return out, nil
}

// ConcatCols joins rank-2 tensors with equal row counts side by side.
func ConcatCols(tensors ...*Dense) (*Dense, error) {
	if len(tensors) == 0 {
		return nil, errors.New("no tensors to concatenate")
	}
	if len(tensors) == 1 {
		return tensors[0], nil
	}
	rows := tensors[0].Rows()
	cols := 0
	for _, t := range tensors {
		if len(t.shape) != 2 || t.Rows() != rows {
			return nil, fmt.Errorf("%w: concatenating %v with row count %d", ErrShapeMismatch, t.shape, rows)
		}
		cols += t.Cols()
	}
	out := New(rows, cols)
	offset := 0
	for _, t := range tensors {
		w := t.Cols()
		for i := 0; i < rows; i++ {
			copy(out.data[i*cols+offset:i*cols+offset+w], t.data[i*w:(i+1)*w])
		}
		offset += w
	}
	return out, nil
}

// ConcatFlat concatenates flattened tensors into a rank-1 tensor.
func ConcatFlat(tensors ...*Dense) *Dense {
	n := 0
	for _, t := range tensors {
		n += len(t.data)
	}
	out := New(n)
	offset := 0
	for _, t := range tensors {
		copy(out.data[offset:], t.data)
		offset += len(t.data)
	}
	return out
}

// Equal reports elementwise equality within tol.
func Equal(a, b *Dense, tol float64) bool {
	if len(a.data) != len(b.data) {
		return false
	}
	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > tol {
			return false
		}
	}
	return true
}
