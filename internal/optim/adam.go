package optim

import (
	"encoding/json"
	"fmt"
	"math"

	"meshnet/internal/block"
)

// Adam keeps first and second moment estimates per parameter name, so its
// state survives a checkpoint round-trip only when the restored model has
// matching parameter names.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step    int
	moments map[string]*adamMoment
}

type adamMoment struct {
	M []float64 `json:"m"`
	V []float64 `json:"v"`
}

type adamState struct {
	Step    int                    `json:"step"`
	Moments map[string]*adamMoment `json:"moments"`
}

func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		moments:      make(map[string]*adamMoment),
	}
}

func (o *Adam) Name() string { return "adam" }

func (o *Adam) Step(params []*block.Parameter) error {
	o.step++
	correction1 := 1 - math.Pow(o.Beta1, float64(o.step))
	correction2 := 1 - math.Pow(o.Beta2, float64(o.step))
	for _, p := range params {
		moment, ok := o.moments[p.Name]
		if !ok {
			moment = &adamMoment{
				M: make([]float64, p.Value.Size()),
				V: make([]float64, p.Value.Size()),
			}
			o.moments[p.Name] = moment
		}
		if len(moment.M) != p.Value.Size() {
			return fmt.Errorf("optimizer state for %s has %d values, parameter has %d", p.Name, len(moment.M), p.Value.Size())
		}
		values := p.Value.Data()
		grads := p.Grad.Data()
		for i := range values {
			moment.M[i] = o.Beta1*moment.M[i] + (1-o.Beta1)*grads[i]
			moment.V[i] = o.Beta2*moment.V[i] + (1-o.Beta2)*grads[i]*grads[i]
			mHat := moment.M[i] / correction1
			vHat := moment.V[i] / correction2
			values[i] -= o.LearningRate * mHat / (math.Sqrt(vHat) + o.Epsilon)
		}
	}
	return nil
}

func (o *Adam) State() ([]byte, error) {
	return json.Marshal(adamState{Step: o.step, Moments: o.moments})
}

func (o *Adam) LoadState(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var state adamState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode optimizer state: %w", err)
	}
	o.step = state.Step
	o.moments = state.Moments
	if o.moments == nil {
		o.moments = make(map[string]*adamMoment)
	}
	return nil
}
