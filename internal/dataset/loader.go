package dataset

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"meshnet/internal/model"
	"meshnet/internal/network"
	"meshnet/internal/tensor"
)

// Minibatch pairs a collated forward batch with its training targets.
type Minibatch struct {
	Batch   *network.Batch
	Targets map[string]*tensor.Dense
	Size    int
}

// Loader collates samples into minibatches with optional shuffling and
// bounded prefetch.
type Loader struct {
	dataset    *Dataset
	inputs     []Variable
	outputs    []Variable
	batchSize  int
	timeSeries bool
	shuffle    bool
	prefetch   int
	rng        *rand.Rand
}

type LoaderConfig struct {
	Inputs     []Variable
	Outputs    []Variable
	BatchSize  int
	TimeSeries bool
	Shuffle    bool
	Prefetch   int
	Seed       int64
}

func NewLoader(ds *Dataset, cfg LoaderConfig) *Loader {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 2
	}
	return &Loader{
		dataset:    ds,
		inputs:     cfg.Inputs,
		outputs:    cfg.Outputs,
		batchSize:  cfg.BatchSize,
		timeSeries: cfg.TimeSeries,
		shuffle:    cfg.Shuffle,
		prefetch:   cfg.Prefetch,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Steps reports the number of minibatches per epoch.
func (l *Loader) Steps() int {
	n := l.dataset.Len()
	return (n + l.batchSize - 1) / l.batchSize
}

// Run walks one epoch, invoking fn for each minibatch in order. Collation
// happens ahead of consumption on a separate goroutine.
func (l *Loader) Run(ctx context.Context, fn func(*Minibatch) error) error {
	if l.dataset.Len() == 0 {
		return ErrEmpty
	}
	order := make([]int, l.dataset.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	batches := make(chan *Minibatch, l.prefetch)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		for start := 0; start < len(order); start += l.batchSize {
			end := start + l.batchSize
			if end > len(order) {
				end = len(order)
			}
			mb, err := l.Collate(order[start:end])
			if err != nil {
				return err
			}
			select {
			case batches <- mb:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		for mb := range batches {
			if err := fn(mb); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

// Collate assembles the given sample indices into one minibatch.
func (l *Loader) Collate(indices []int) (*Minibatch, error) {
	samples := make([]*Sample, len(indices))
	for i, idx := range indices {
		samples[i] = l.dataset.Samples[idx]
	}
	if l.timeSeries {
		return l.collateTimeSeries(samples)
	}
	return l.collatePlain(samples)
}

// collatePlain stacks samples along rows and merges supports block-diagonally,
// so graph convolutions never mix nodes across samples.
func (l *Loader) collatePlain(samples []*Sample) (*Minibatch, error) {
	batch := &network.Batch{Inputs: make(map[string]*tensor.Dense, len(l.inputs))}
	for _, v := range l.inputs {
		stacked, err := stackRows(samples, v.Name)
		if err != nil {
			return nil, err
		}
		batch.Inputs[v.Name] = stacked
	}
	targets := make(map[string]*tensor.Dense, len(l.outputs))
	for _, v := range l.outputs {
		stacked, err := stackRows(samples, v.Name)
		if err != nil {
			return nil, err
		}
		targets[v.Name] = stacked
	}
	if len(samples[0].Supports) > 0 {
		for s := range samples[0].Supports {
			blocks := make([]*tensor.Sparse, len(samples))
			for i, sample := range samples {
				blocks[i] = sample.Supports[s]
			}
			batch.Supports = append(batch.Supports, tensor.BlockDiag(blocks))
		}
	}
	for _, sample := range samples {
		shape := model.OriginalShape{Length: sample.Features[l.inputs[0].Name].Rows()}
		if len(l.outputs) > 0 {
			shape.FeatureCount = l.outputs[0].Dim
		}
		batch.OriginalShapes = append(batch.OriginalShapes, shape)
	}
	return &Minibatch{Batch: batch, Targets: targets, Size: len(samples)}, nil
}

// collateTimeSeries pads every sample to the longest time length and lays the
// samples side by side along columns. The recorded shapes let the loss mask
// the padded region out.
func (l *Loader) collateTimeSeries(samples []*Sample) (*Minibatch, error) {
	batch := &network.Batch{Inputs: make(map[string]*tensor.Dense, len(l.inputs))}
	maxTime := 0
	for _, s := range samples {
		if t := s.Features[l.inputs[0].Name].Rows(); t > maxTime {
			maxTime = t
		}
	}
	for _, v := range l.inputs {
		padded, err := padColumns(samples, v.Name, maxTime)
		if err != nil {
			return nil, err
		}
		batch.Inputs[v.Name] = padded
	}
	targets := make(map[string]*tensor.Dense, len(l.outputs))
	for _, v := range l.outputs {
		padded, err := padColumns(samples, v.Name, maxTime)
		if err != nil {
			return nil, err
		}
		targets[v.Name] = padded
	}
	for _, sample := range samples {
		batch.OriginalShapes = append(batch.OriginalShapes, model.OriginalShape{
			Length:       sample.Features[l.inputs[0].Name].Rows(),
			FeatureCount: l.outputs[0].Dim,
		})
	}
	return &Minibatch{Batch: batch, Targets: targets, Size: len(samples)}, nil
}

func stackRows(samples []*Sample, name string) (*tensor.Dense, error) {
	parts := make([]*tensor.Dense, len(samples))
	for i, s := range samples {
		parts[i] = s.Features[name]
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return tensor.ConcatRows(parts...)
}

// padColumns lays samples out as [maxTime, Σdim_i]; rows past a sample's own
// length stay zero.
func padColumns(samples []*Sample, name string, maxTime int) (*tensor.Dense, error) {
	cols := 0
	for _, s := range samples {
		cols += s.Features[name].Cols()
	}
	out := tensor.New(maxTime, cols)
	off := 0
	for _, s := range samples {
		t := s.Features[name]
		for i := 0; i < t.Rows(); i++ {
			for j := 0; j < t.Cols(); j++ {
				out.Set(i, off+j, t.At(i, j))
			}
		}
		off += t.Cols()
	}
	return out, nil
}
