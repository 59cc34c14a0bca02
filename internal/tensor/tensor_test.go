package tensor

import (
	"errors"
	"testing"
)

func TestMatMul(t *testing.T) {
	a := MustNew([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := MustNew([]float64{7, 8, 9, 10, 11, 12}, 3, 2)
	got, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	want := MustNew([]float64{58, 64, 139, 154}, 2, 2)
	if !Equal(got, want, 1e-12) {
		t.Fatalf("unexpected product: %v", got.Data())
	}
}

func TestMatMulShapeError(t *testing.T) {
	a := New(2, 3)
	b := New(2, 3)
	if _, err := MatMul(a, b); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestTransposedProducts(t *testing.T) {
	a := MustNew([]float64{1, 2, 3, 4}, 2, 2)
	b := MustNew([]float64{5, 6, 7, 8}, 2, 2)

	// aᵀ @ b
	got, err := TMatMul(a, b)
	if err != nil {
		t.Fatalf("tmatmul: %v", err)
	}
	want := MustNew([]float64{26, 30, 38, 44}, 2, 2)
	if !Equal(got, want, 1e-12) {
		t.Fatalf("unexpected aᵀb: %v", got.Data())
	}

	// a @ bᵀ
	got, err = MatMulT(a, b)
	if err != nil {
		t.Fatalf("matmult: %v", err)
	}
	want = MustNew([]float64{17, 23, 39, 53}, 2, 2)
	if !Equal(got, want, 1e-12) {
		t.Fatalf("unexpected abᵀ: %v", got.Data())
	}
}

func TestSliceAndConcat(t *testing.T) {
	a := MustNew([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	top, err := a.SliceRows(0, 2)
	if err != nil {
		t.Fatalf("slice rows: %v", err)
	}
	bottom, err := a.SliceRows(2, 3)
	if err != nil {
		t.Fatalf("slice rows: %v", err)
	}
	joined, err := ConcatRows(top, bottom)
	if err != nil {
		t.Fatalf("concat rows: %v", err)
	}
	if !Equal(joined, a, 0) {
		t.Fatalf("slice+concat should round-trip, got %v", joined.Data())
	}

	left, err := a.SliceCols(0, 1)
	if err != nil {
		t.Fatalf("slice cols: %v", err)
	}
	right, err := a.SliceCols(1, 2)
	if err != nil {
		t.Fatalf("slice cols: %v", err)
	}
	rejoined, err := ConcatCols(left, right)
	if err != nil {
		t.Fatalf("concat cols: %v", err)
	}
	if !Equal(rejoined, a, 0) {
		t.Fatalf("column slice+concat should round-trip, got %v", rejoined.Data())
	}
}

func TestSparseMulDense(t *testing.T) {
	// [[1 0], [2 3]]
	s, err := SparseFromTriplets(2, 2, []int{0, 1, 1}, []int{0, 0, 1}, []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("from triplets: %v", err)
	}
	x := MustNew([]float64{1, 2, 3, 4}, 2, 2)
	got, err := s.MulDense(x)
	if err != nil {
		t.Fatalf("mul dense: %v", err)
	}
	want := MustNew([]float64{1, 2, 11, 16}, 2, 2)
	if !Equal(got, want, 1e-12) {
		t.Fatalf("unexpected product: %v", got.Data())
	}

	gotT, err := s.TMulDense(x)
	if err != nil {
		t.Fatalf("tmul dense: %v", err)
	}
	wantT := MustNew([]float64{7, 10, 9, 12}, 2, 2)
	if !Equal(gotT, wantT, 1e-12) {
		t.Fatalf("unexpected transposed product: %v", gotT.Data())
	}
}

func TestSparseFromTripletsSumsDuplicates(t *testing.T) {
	s, err := SparseFromTriplets(2, 2, []int{0, 0, 1}, []int{1, 1, 0}, []float64{1, 2, 5})
	if err != nil {
		t.Fatalf("from triplets: %v", err)
	}
	if s.NNZ() != 2 {
		t.Fatalf("duplicates should merge, nnz=%d", s.NNZ())
	}
	x := MustNew([]float64{1, 0, 0, 1}, 2, 2)
	got, err := s.MulDense(x)
	if err != nil {
		t.Fatalf("mul dense: %v", err)
	}
	want := MustNew([]float64{0, 3, 5, 0}, 2, 2)
	if !Equal(got, want, 1e-12) {
		t.Fatalf("unexpected product: %v", got.Data())
	}
}

func TestBlockDiag(t *testing.T) {
	a := Identity(2)
	b, err := SparseFromTriplets(1, 1, []int{0}, []int{0}, []float64{3})
	if err != nil {
		t.Fatalf("from triplets: %v", err)
	}
	merged := BlockDiag([]*Sparse{a, b})
	if merged.Rows() != 3 || merged.Cols() != 3 {
		t.Fatalf("unexpected merged shape %dx%d", merged.Rows(), merged.Cols())
	}
	x := MustNew([]float64{1, 2, 3}, 3, 1)
	got, err := merged.MulDense(x)
	if err != nil {
		t.Fatalf("mul dense: %v", err)
	}
	want := MustNew([]float64{1, 2, 9}, 3, 1)
	if !Equal(got, want, 1e-12) {
		t.Fatalf("unexpected product: %v", got.Data())
	}
}

func TestReshapeSharesData(t *testing.T) {
	a := MustNew([]float64{1, 2, 3, 4}, 2, 2)
	flat, err := a.Reshape(4)
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}
	flat.Data()[0] = 9
	if a.At(0, 0) != 9 {
		t.Fatal("reshape should view the same data")
	}
	if _, err := a.Reshape(3); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
