package loss

import (
	"errors"
	"fmt"
	"sort"

	"meshnet/internal/model"
	"meshnet/internal/tensor"
)

type mode int

const (
	modePlain mode = iota
	modeDict
	modeTimePadded
)

// Config selects the calculator mode once at construction.
type Config struct {
	// Setting is either a loss-function name applied everywhere or a
	// variable→name map.
	Setting       any
	TimeSeries    bool
	OutputIsDict  bool
	Variables     []Variable
	OutputSkips   []string
	UserFunctions map[string]Function
}

// Calculator reduces a whole output structure to one scalar loss. The mode is
// fixed at construction and never branched per call.
type Calculator struct {
	mode mode
	core *Core
	mask VariableMask
}

func NewCalculator(cfg Config) (*Calculator, error) {
	assignment, err := NewAssignment(cfg.Setting)
	if err != nil {
		return nil, err
	}
	core, err := NewCore(assignment, cfg.UserFunctions)
	if err != nil {
		return nil, err
	}
	mask := NewVariableMask(cfg.Variables, cfg.OutputSkips)

	c := &Calculator{core: core, mask: mask}
	switch {
	case cfg.TimeSeries && cfg.OutputIsDict:
		return nil, errors.New("time_series and dict outputs cannot be combined")
	case cfg.TimeSeries:
		if !mask.Identity() {
			return nil, errors.New("output_skips cannot be used with time_series")
		}
		c.mode = modeTimePadded
	case cfg.OutputIsDict:
		c.mode = modeDict
	default:
		c.mode = modePlain
	}
	return c, nil
}

// Loss computes the scalar loss for predictions and targets keyed by output
// name. Non-dict modes expect exactly one entry.
func (c *Calculator) Loss(pred, target map[string]*tensor.Dense, shapes []model.OriginalShape) (float64, error) {
	switch c.mode {
	case modeDict:
		return c.lossDict(pred, target)
	case modeTimePadded:
		p, t, err := singleEntry(pred, target)
		if err != nil {
			return 0, err
		}
		return c.lossTimePadded(p, t, shapes)
	default:
		p, t, err := singleEntry(pred, target)
		if err != nil {
			return 0, err
		}
		return c.lossPlain(p, t)
	}
}

// Gradient computes d(loss)/d(prediction), keyed like the predictions.
// Padded regions and skipped variables receive zero gradient.
func (c *Calculator) Gradient(pred, target map[string]*tensor.Dense, shapes []model.OriginalShape) (map[string]*tensor.Dense, error) {
	switch c.mode {
	case modeDict:
		return c.gradientDict(pred, target)
	case modeTimePadded:
		return c.gradientTimePadded(pred, target, shapes)
	default:
		return c.gradientPlain(pred, target)
	}
}

func singleEntry(pred, target map[string]*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	if len(target) != 1 || len(pred) != 1 {
		return nil, nil, fmt.Errorf("non-dict loss expects one output variable, got %d predictions and %d targets", len(pred), len(target))
	}
	for key, t := range target {
		p, ok := pred[key]
		if !ok {
			return nil, nil, fmt.Errorf("prediction for %s missing", key)
		}
		return p, t, nil
	}
	return nil, nil, errors.New("unreachable")
}

func sortedKeys(m map[string]*tensor.Dense) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *Calculator) lossDict(pred, target map[string]*tensor.Dense) (float64, error) {
	total := 0.0
	count := 0
	for _, key := range sortedKeys(target) {
		if c.mask.Skipped(key) {
			continue
		}
		p, ok := pred[key]
		if !ok {
			return 0, fmt.Errorf("prediction for %s missing", key)
		}
		reshaped, err := p.Reshape(target[key].Shape()...)
		if err != nil {
			return 0, fmt.Errorf("variable %s: %w", key, err)
		}
		l, err := c.core.Calculate(reshaped, target[key], key)
		if err != nil {
			return 0, fmt.Errorf("variable %s: %w", key, err)
		}
		total += l
		count++
	}
	if count == 0 {
		return 0, errors.New("no output variables left after masking")
	}
	return total / float64(count), nil
}

func (c *Calculator) gradientDict(pred, target map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
	count := 0
	for _, key := range sortedKeys(target) {
		if !c.mask.Skipped(key) {
			count++
		}
	}
	if count == 0 {
		return nil, errors.New("no output variables left after masking")
	}
	grads := make(map[string]*tensor.Dense, len(pred))
	for _, key := range sortedKeys(target) {
		p, ok := pred[key]
		if !ok {
			return nil, fmt.Errorf("prediction for %s missing", key)
		}
		if c.mask.Skipped(key) {
			grads[key] = p.ZeroLike()
			continue
		}
		reshaped, err := p.Reshape(target[key].Shape()...)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", key, err)
		}
		g, err := c.core.Gradient(reshaped, target[key], key)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", key, err)
		}
		g.Scale(1 / float64(count))
		reshapedBack, err := g.Reshape(p.Shape()...)
		if err != nil {
			return nil, err
		}
		grads[key] = reshapedBack
	}
	return grads, nil
}

func (c *Calculator) lossPlain(pred, target *tensor.Dense) (float64, error) {
	reshaped, err := pred.Reshape(target.Shape()...)
	if err != nil {
		return 0, err
	}
	maskedPred, maskedTarget, err := c.mask.Apply(reshaped, target)
	if err != nil {
		return 0, err
	}
	return c.core.Calculate(maskedPred, maskedTarget, "")
}

func (c *Calculator) gradientPlain(pred, target map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
	p, t, err := singleEntry(pred, target)
	if err != nil {
		return nil, err
	}
	var key string
	for k := range pred {
		key = k
	}
	reshaped, err := p.Reshape(t.Shape()...)
	if err != nil {
		return nil, err
	}
	maskedPred, maskedTarget, err := c.mask.Apply(reshaped, t)
	if err != nil {
		return nil, err
	}
	g, err := c.core.Gradient(maskedPred, maskedTarget, "")
	if err != nil {
		return nil, err
	}
	full, err := c.mask.Scatter(g, reshaped)
	if err != nil {
		return nil, err
	}
	back, err := full.Reshape(p.Shape()...)
	if err != nil {
		return nil, err
	}
	return map[string]*tensor.Dense{key: back}, nil
}

// lossTimePadded strips the padded regions exactly: each sample's valid
// (length × feature) region is cut out, flattened, and concatenated before
// the core loss, so padding never contributes to the loss or its gradient.
func (c *Calculator) lossTimePadded(pred, target *tensor.Dense, shapes []model.OriginalShape) (float64, error) {
	flatPred, err := flattenValid(pred, shapes)
	if err != nil {
		return 0, err
	}
	flatTarget, err := flattenValid(target, shapes)
	if err != nil {
		return 0, err
	}
	return c.core.Calculate(flatPred, flatTarget, "")
}

func (c *Calculator) gradientTimePadded(pred, target map[string]*tensor.Dense, shapes []model.OriginalShape) (map[string]*tensor.Dense, error) {
	p, t, err := singleEntry(pred, target)
	if err != nil {
		return nil, err
	}
	var key string
	for k := range pred {
		key = k
	}
	flatPred, err := flattenValid(p, shapes)
	if err != nil {
		return nil, err
	}
	flatTarget, err := flattenValid(t, shapes)
	if err != nil {
		return nil, err
	}
	flatGrad, err := c.core.Gradient(flatPred, flatTarget, "")
	if err != nil {
		return nil, err
	}
	full, err := scatterValid(flatGrad, p, shapes)
	if err != nil {
		return nil, err
	}
	return map[string]*tensor.Dense{key: full}, nil
}

// flattenValid extracts each sample's valid region from a padded
// [maxTime, totalFeatures] batch, where sample i occupies its declared
// feature-count columns in order.
func flattenValid(t *tensor.Dense, shapes []model.OriginalShape) (*tensor.Dense, error) {
	if len(shapes) == 0 {
		return nil, errors.New("original shapes are required for padded time-series loss")
	}
	if t.Rank() != 2 {
		return nil, fmt.Errorf("%w: rank %d for padded time-series batch", tensor.ErrRank, t.Rank())
	}
	parts := make([]*tensor.Dense, 0, len(shapes))
	offset := 0
	for i, shape := range shapes {
		cols, err := t.SliceCols(offset, offset+shape.FeatureCount)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		valid, err := cols.SliceRows(0, shape.Length)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		parts = append(parts, valid.Flatten())
		offset += shape.FeatureCount
	}
	if offset != t.Cols() {
		return nil, fmt.Errorf("%w: original shapes cover %d columns, batch has %d", tensor.ErrShapeMismatch, offset, t.Cols())
	}
	return tensor.ConcatFlat(parts...), nil
}

// scatterValid writes a flat gradient back into the valid regions of a
// padded batch, leaving the padding at zero.
func scatterValid(flat *tensor.Dense, like *tensor.Dense, shapes []model.OriginalShape) (*tensor.Dense, error) {
	out := like.ZeroLike()
	cols := like.Cols()
	src := flat.Data()
	dst := out.Data()
	pos := 0
	offset := 0
	for i, shape := range shapes {
		for row := 0; row < shape.Length; row++ {
			for col := 0; col < shape.FeatureCount; col++ {
				dst[row*cols+offset+col] = src[pos]
				pos++
			}
		}
		if pos > len(src) {
			return nil, fmt.Errorf("sample %d: gradient shorter than valid region", i)
		}
		offset += shape.FeatureCount
	}
	if pos != len(src) {
		return nil, fmt.Errorf("%w: gradient has %d values, valid regions hold %d", tensor.ErrShapeMismatch, len(src), pos)
	}
	return out, nil
}
