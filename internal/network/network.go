package network

import (
	"errors"
	"fmt"
	"math/rand"

	"meshnet/internal/block"
	"meshnet/internal/graph"
	"meshnet/internal/model"
	"meshnet/internal/tensor"
)

var ErrStateMismatch = errors.New("model state mismatch")

// Batch carries the external inputs of one forward pass.
type Batch struct {
	Inputs         map[string]*tensor.Dense
	Supports       []*tensor.Sparse
	OriginalShapes []model.OriginalShape
}

// Initializer is implemented by blocks whose parameters are drawn from the
// run's seeded random source.
type Initializer interface {
	Initialize(rng *rand.Rand)
}

// Network executes a validated block graph. One Network serves one goroutine;
// the execution trace of a forward pass is private to that call chain.
type Network struct {
	graph     *graph.Graph
	blocks    map[string]block.Block
	terminals []string
	external  map[string]bool

	// trace of the most recent forward pass, keyed by output name
	trace map[string]*tensor.Dense
}

// New instantiates every block through the injected registry and resolves the
// terminal blocks for the declared model outputs.
func New(g *graph.Graph, registry *block.Registry, externalInputs, modelOutputs []string) (*Network, error) {
	blocks := make(map[string]block.Block, len(g.Order))
	for _, name := range g.Order {
		b, err := registry.New(g.Specs[name])
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", name, err)
		}
		blocks[name] = b
	}
	terminals, err := g.TerminalBlocks(modelOutputs)
	if err != nil {
		return nil, err
	}
	external := make(map[string]bool, len(externalInputs))
	for _, name := range externalInputs {
		external[name] = true
	}
	return &Network{graph: g, blocks: blocks, terminals: terminals, external: external}, nil
}

// Initialize seeds every block's parameters in execution order so a fixed
// seed reproduces the same model.
func (n *Network) Initialize(rng *rand.Rand) {
	for _, name := range n.graph.Order {
		if init, ok := n.blocks[name].(Initializer); ok {
			init.Initialize(rng)
		}
	}
}

func outputName(spec model.BlockSpec) string {
	if spec.OutputName != "" {
		return spec.OutputName
	}
	return spec.Name
}

// Forward walks the topological order and returns the terminal outputs keyed
// by output name.
func (n *Network) Forward(batch Batch) (map[string]*tensor.Dense, error) {
	trace := make(map[string]*tensor.Dense, len(n.graph.Order)+len(batch.Inputs))
	for name, t := range batch.Inputs {
		trace[name] = t
	}

	for _, name := range n.graph.Order {
		spec := n.graph.Specs[name]
		inputs := make([]*tensor.Dense, 0, len(spec.InputNames))
		for _, inputName := range spec.InputNames {
			t, ok := trace[inputName]
			if !ok {
				return nil, fmt.Errorf("block %s: input %s not produced", name, inputName)
			}
			inputs = append(inputs, t)
		}
		out, err := n.blocks[name].Forward(inputs, batch.Supports, batch.OriginalShapes)
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", name, err)
		}
		trace[outputName(spec)] = out
	}

	n.trace = trace
	outputs := make(map[string]*tensor.Dense, len(n.terminals))
	for _, name := range n.terminals {
		outputs[outputName(n.graph.Specs[name])] = trace[outputName(n.graph.Specs[name])]
	}
	return outputs, nil
}

// ForwardSingle runs Forward and unwraps the single declared output.
func (n *Network) ForwardSingle(batch Batch) (*tensor.Dense, error) {
	outputs, err := n.Forward(batch)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("network produced %d outputs, want 1", len(outputs))
	}
	for _, out := range outputs {
		return out, nil
	}
	return nil, errors.New("unreachable")
}

// Backward runs the reverse walk, delegating gradients to each trainable
// block. Gradients for non-trainable blocks stop there. gradByOutput is keyed
// by output name.
func (n *Network) Backward(gradByOutput map[string]*tensor.Dense) error {
	pending := make(map[string]*tensor.Dense, len(n.graph.Order))
	for _, name := range n.terminals {
		out := outputName(n.graph.Specs[name])
		if g, ok := gradByOutput[out]; ok {
			pending[name] = g.Clone()
		}
	}

	for i := len(n.graph.Order) - 1; i >= 0; i-- {
		name := n.graph.Order[i]
		grad, ok := pending[name]
		if !ok {
			continue
		}
		trainable, ok := n.blocks[name].(block.Trainable)
		if !ok {
			continue
		}
		inputGrads, err := trainable.Backward(grad)
		if err != nil {
			return fmt.Errorf("block %s: %w", name, err)
		}
		spec := n.graph.Specs[name]
		if len(inputGrads) != len(spec.InputNames) {
			return fmt.Errorf("block %s: %d input gradients for %d inputs", name, len(inputGrads), len(spec.InputNames))
		}
		for j, inputName := range spec.InputNames {
			if n.external[inputName] {
				continue
			}
			producerName, err := n.producerOf(inputName)
			if err != nil {
				return err
			}
			if existing, ok := pending[producerName]; ok {
				if err := existing.AddInPlace(inputGrads[j]); err != nil {
					return fmt.Errorf("block %s fan-in: %w", producerName, err)
				}
			} else {
				pending[producerName] = inputGrads[j].Clone()
			}
		}
	}
	return nil
}

func (n *Network) producerOf(output string) (string, error) {
	for name, spec := range n.graph.Specs {
		if outputName(spec) == output {
			return name, nil
		}
	}
	return "", fmt.Errorf("%s %w", output, graph.ErrUnresolved)
}

// NamedParameters returns all learnable parameters in deterministic order,
// named <block>.<param>.
func (n *Network) NamedParameters() []*block.Parameter {
	var params []*block.Parameter
	for _, name := range n.graph.Order {
		trainable, ok := n.blocks[name].(block.Trainable)
		if !ok {
			continue
		}
		for _, p := range trainable.Parameters() {
			params = append(params, &block.Parameter{
				Name:  name + "." + p.Name,
				Value: p.Value,
				Grad:  p.Grad,
			})
		}
	}
	return params
}

// ZeroGrad clears accumulated gradients before a new step.
func (n *Network) ZeroGrad() {
	for _, p := range n.NamedParameters() {
		p.Grad.Zero()
	}
}

// State serializes the model parameters for checkpointing.
func (n *Network) State() []model.NamedTensorState {
	params := n.NamedParameters()
	state := make([]model.NamedTensorState, 0, len(params))
	for _, p := range params {
		state = append(state, model.NamedTensorState{
			Name: p.Name,
			State: model.TensorState{
				Shape: p.Value.Shape(),
				Data:  append([]float64(nil), p.Value.Data()...),
			},
		})
	}
	return state
}

// LoadState restores parameters from a checkpoint. The parameter count must
// match, and every parameter must match by name; positional remapping is
// rejected as incompatible architecture.
func (n *Network) LoadState(state []model.NamedTensorState) error {
	params := n.NamedParameters()
	if len(params) != len(state) {
		return fmt.Errorf("%w: model has %d parameters, checkpoint has %d", ErrStateMismatch, len(params), len(state))
	}
	byName := make(map[string]model.TensorState, len(state))
	for _, s := range state {
		byName[s.Name] = s.State
	}
	for _, p := range params {
		s, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: parameter %s missing from checkpoint", ErrStateMismatch, p.Name)
		}
		if len(s.Data) != p.Value.Size() {
			return fmt.Errorf("%w: parameter %s has %d values, want %d", ErrStateMismatch, p.Name, len(s.Data), p.Value.Size())
		}
		copy(p.Value.Data(), s.Data)
	}
	return nil
}

// Trace exposes the most recent forward pass's tensor for one output name.
// It is only valid until the next Forward call on this network.
func (n *Network) Trace(output string) (*tensor.Dense, bool) {
	t, ok := n.trace[output]
	return t, ok
}
