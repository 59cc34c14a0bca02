package tensor

import (
	"fmt"
	"sort"
)

// Sparse is a CSR matrix used for graph supports (adjacency).
type Sparse struct {
	rows, cols int
	rowPtr     []int
	colInd     []int
	values     []float64
}

func NewSparse(rows, cols int, rowPtr, colInd []int, values []float64) (*Sparse, error) {
	if len(rowPtr) != rows+1 {
		return nil, fmt.Errorf("row pointer length %d, want %d", len(rowPtr), rows+1)
	}
	if len(colInd) != len(values) {
		return nil, fmt.Errorf("column index count %d does not match value count %d", len(colInd), len(values))
	}
	return &Sparse{rows: rows, cols: cols, rowPtr: rowPtr, colInd: colInd, values: values}, nil
}

type coo struct {
	row, col int
	value    float64
}

// SparseFromTriplets builds a CSR matrix from unordered (row, col, value)
// triplets, summing duplicates.
func SparseFromTriplets(rows, cols int, rIdx, cIdx []int, values []float64) (*Sparse, error) {
	if len(rIdx) != len(cIdx) || len(rIdx) != len(values) {
		return nil, fmt.Errorf("triplet lengths differ: %d, %d, %d", len(rIdx), len(cIdx), len(values))
	}
	entries := make([]coo, 0, len(values))
	for i := range values {
		if rIdx[i] < 0 || rIdx[i] >= rows || cIdx[i] < 0 || cIdx[i] >= cols {
			return nil, fmt.Errorf("triplet (%d, %d) out of range for %dx%d", rIdx[i], cIdx[i], rows, cols)
		}
		entries = append(entries, coo{row: rIdx[i], col: cIdx[i], value: values[i]})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].row != entries[j].row {
			return entries[i].row < entries[j].row
		}
		return entries[i].col < entries[j].col
	})

	rowPtr := make([]int, rows+1)
	colInd := make([]int, 0, len(entries))
	vals := make([]float64, 0, len(entries))
	lastRow, lastCol := -1, -1
	for _, e := range entries {
		if e.row == lastRow && e.col == lastCol {
			vals[len(vals)-1] += e.value
			continue
		}
		colInd = append(colInd, e.col)
		vals = append(vals, e.value)
		rowPtr[e.row+1]++
		lastRow, lastCol = e.row, e.col
	}
	for i := 0; i < rows; i++ {
		rowPtr[i+1] += rowPtr[i]
	}
	return &Sparse{rows: rows, cols: cols, rowPtr: rowPtr, colInd: colInd, values: vals}, nil
}

// Identity returns the n×n identity support.
func Identity(n int) *Sparse {
	rowPtr := make([]int, n+1)
	colInd := make([]int, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		rowPtr[i+1] = i + 1
		colInd[i] = i
		values[i] = 1
	}
	return &Sparse{rows: n, cols: n, rowPtr: rowPtr, colInd: colInd, values: values}
}

func (s *Sparse) Rows() int { return s.rows }
func (s *Sparse) Cols() int { return s.cols }
func (s *Sparse) NNZ() int  { return len(s.values) }

// Triplets exports the stored entries in row-major order.
func (s *Sparse) Triplets() (rIdx, cIdx []int, values []float64) {
	rIdx = make([]int, 0, len(s.values))
	cIdx = append([]int(nil), s.colInd...)
	values = append([]float64(nil), s.values...)
	for i := 0; i < s.rows; i++ {
		for p := s.rowPtr[i]; p < s.rowPtr[i+1]; p++ {
			rIdx = append(rIdx, i)
		}
	}
	return rIdx, cIdx, values
}

// BlockDiag stacks supports into one block-diagonal matrix, offsetting each
// block by the accumulated row and column counts.
func BlockDiag(blocks []*Sparse) *Sparse {
	rows, cols, nnz := 0, 0, 0
	for _, b := range blocks {
		rows += b.rows
		cols += b.cols
		nnz += len(b.values)
	}
	rowPtr := make([]int, 1, rows+1)
	colInd := make([]int, 0, nnz)
	values := make([]float64, 0, nnz)
	colOff := 0
	for _, b := range blocks {
		for i := 0; i < b.rows; i++ {
			for p := b.rowPtr[i]; p < b.rowPtr[i+1]; p++ {
				colInd = append(colInd, b.colInd[p]+colOff)
				values = append(values, b.values[p])
			}
			rowPtr = append(rowPtr, len(values))
		}
		colOff += b.cols
	}
	return &Sparse{rows: rows, cols: cols, rowPtr: rowPtr, colInd: colInd, values: values}
}

// MulDense computes s @ x for a rank-2 dense right operand.
func (s *Sparse) MulDense(x *Dense) (*Dense, error) {
	if x.Rank() != 2 || x.Rows() != s.cols {
		return nil, fmt.Errorf("%w: %dx%d sparse @ %v", ErrShapeMismatch, s.rows, s.cols, x.Shape())
	}
	cols := x.Cols()
	out := New(s.rows, cols)
	for i := 0; i < s.rows; i++ {
		for p := s.rowPtr[i]; p < s.rowPtr[i+1]; p++ {
			j := s.colInd[p]
			v := s.values[p]
			for c := 0; c < cols; c++ {
				out.data[i*cols+c] += v * x.data[j*cols+c]
			}
		}
	}
	return out, nil
}

// TMulDense computes sᵀ @ x, used by the reverse pass of support blocks.
func (s *Sparse) TMulDense(x *Dense) (*Dense, error) {
	if x.Rank() != 2 || x.Rows() != s.rows {
		return nil, fmt.Errorf("%w: %dx%d sparseᵀ @ %v", ErrShapeMismatch, s.rows, s.cols, x.Shape())
	}
	cols := x.Cols()
	out := New(s.cols, cols)
	for i := 0; i < s.rows; i++ {
		for p := s.rowPtr[i]; p < s.rowPtr[i+1]; p++ {
			j := s.colInd[p]
			v := s.values[p]
			for c := 0; c < cols; c++ {
				out.data[j*cols+c] += v * x.data[i*cols+c]
			}
		}
	}
	return out, nil
}
