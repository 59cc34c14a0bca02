package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"meshnet/internal/tensor"
)

var (
	ErrDimension = errors.New("dimension incorrect")
	ErrEmpty     = errors.New("dataset has no samples")
)

// Variable names one on-disk feature array and its expected column count.
type Variable struct {
	Name string
	Dim  int
}

// Sample holds the arrays of one simulation directory.
type Sample struct {
	Directory string
	Features  map[string]*tensor.Dense
	Supports  []*tensor.Sparse
}

// Dataset is an in-memory collection of samples sharing a variable layout.
type Dataset struct {
	Samples []*Sample
}

func (d *Dataset) Len() int { return len(d.Samples) }

type denseFile struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

type sparseFile struct {
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Row    []int     `json:"row"`
	Col    []int     `json:"col"`
	Values []float64 `json:"values"`
}

func readDense(path string) (*tensor.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f denseFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return tensor.NewWithData(f.Data, f.Shape...)
}

// WriteDense persists one array in the on-disk sample format.
func WriteDense(path string, t *tensor.Dense) error {
	data, err := json.Marshal(denseFile{Shape: t.Shape(), Data: t.Data()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readSparse(path string) (*tensor.Sparse, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f sparseFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return tensor.SparseFromTriplets(f.Rows, f.Cols, f.Row, f.Col, f.Values)
}

// LoadSample reads one directory. Every variable must exist as <name>.json and
// match its declared column count.
func LoadSample(dir string, variables []Variable, supportNames []string) (*Sample, error) {
	s := &Sample{Directory: dir, Features: make(map[string]*tensor.Dense, len(variables))}
	for _, v := range variables {
		t, err := readDense(filepath.Join(dir, v.Name+".json"))
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", dir, err)
		}
		if t.Cols() != v.Dim {
			return nil, fmt.Errorf("%s %w: %d vs %d", v.Name, ErrDimension, t.Cols(), v.Dim)
		}
		s.Features[v.Name] = t
	}
	for _, name := range supportNames {
		sp, err := readSparse(filepath.Join(dir, name+".json"))
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", dir, err)
		}
		s.Supports = append(s.Supports, sp)
	}
	return s, nil
}

// Load reads every directory concurrently, bounded by workers.
func Load(ctx context.Context, dirs []string, variables []Variable, supportNames []string, workers int) (*Dataset, error) {
	if workers < 1 {
		workers = 1
	}
	samples := make([]*Sample, len(dirs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := LoadSample(dir, variables, supportNames)
			if err != nil {
				return err
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Dataset{Samples: samples}, nil
}

// FromSamples wraps pre-built samples, mainly for tests and inference.
func FromSamples(samples []*Sample) *Dataset {
	return &Dataset{Samples: samples}
}

// ElementWise flattens every sample into per-row samples. Supports are dropped
// since a single row carries no graph structure.
func (d *Dataset) ElementWise() (*Dataset, error) {
	var out []*Sample
	for _, s := range d.Samples {
		rows := -1
		for name, t := range s.Features {
			if rows < 0 {
				rows = t.Rows()
			} else if t.Rows() != rows {
				return nil, fmt.Errorf("sample %s: %s has %d rows, want %d", s.Directory, name, t.Rows(), rows)
			}
		}
		for r := 0; r < rows; r++ {
			row := &Sample{Directory: s.Directory, Features: make(map[string]*tensor.Dense, len(s.Features))}
			for name, t := range s.Features {
				sliced, err := t.SliceRows(r, r+1)
				if err != nil {
					return nil, err
				}
				row.Features[name] = sliced
			}
			out = append(out, row)
		}
	}
	return &Dataset{Samples: out}, nil
}
