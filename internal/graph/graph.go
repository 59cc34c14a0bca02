package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"meshnet/internal/model"
)

var (
	ErrCycle         = errors.New("Cycle found in the network")
	ErrNoPredecessor = errors.New("has no predecessors")
	ErrNoSuccessor   = errors.New("has no successors")
	ErrUnresolved    = errors.New("does not exist")
	ErrDuplicate     = errors.New("duplicate block definition")
)

// Graph is a validated block DAG with a cached topological order.
type Graph struct {
	Specs map[string]model.BlockSpec
	// Predecessors and Successors are keyed by block name. Predecessor lists
	// keep the declared input order; entries naming external inputs are
	// omitted.
	Predecessors map[string][]string
	Successors   map[string][]string
	// Order is the execution order (deterministic, declaration-order
	// tie-break).
	Order []string

	declared []string
}

// Build validates the block specifications against the declared external
// inputs and model outputs and computes the execution order.
func Build(specs []model.BlockSpec, externalInputs, modelOutputs []string) (*Graph, error) {
	if len(specs) == 0 {
		return nil, errors.New("no blocks fed")
	}

	g := &Graph{
		Specs:        make(map[string]model.BlockSpec, len(specs)),
		Predecessors: make(map[string][]string, len(specs)),
		Successors:   make(map[string][]string, len(specs)),
	}

	producer := make(map[string]string, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.New("block name is required")
		}
		if _, exists := g.Specs[spec.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, spec.Name)
		}
		g.Specs[spec.Name] = spec
		g.declared = append(g.declared, spec.Name)
		out := spec.OutputName
		if out == "" {
			out = spec.Name
		}
		if prior, exists := producer[out]; exists {
			return nil, fmt.Errorf("%w: output %s produced by both %s and %s", ErrDuplicate, out, prior, spec.Name)
		}
		producer[out] = spec.Name
	}

	external := make(map[string]bool, len(externalInputs))
	for _, name := range externalInputs {
		external[name] = true
	}
	outputs := make(map[string]bool, len(modelOutputs))
	for _, name := range modelOutputs {
		outputs[name] = true
	}

	for _, name := range g.declared {
		spec := g.Specs[name]
		for _, input := range spec.InputNames {
			if external[input] {
				continue
			}
			pred, ok := producer[input]
			if !ok {
				return nil, fmt.Errorf("%s %w", input, ErrUnresolved)
			}
			g.Predecessors[name] = append(g.Predecessors[name], pred)
			g.Successors[pred] = append(g.Successors[pred], name)
		}
	}

	for _, name := range g.declared {
		spec := g.Specs[name]
		if len(g.Predecessors[name]) == 0 && !consumesExternal(spec, external) {
			return nil, fmt.Errorf("%s %w", name, ErrNoPredecessor)
		}
		if len(g.Successors[name]) == 0 && !producesOutput(spec, outputs) {
			return nil, fmt.Errorf("%s %w", name, ErrNoSuccessor)
		}
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.Order = order
	return g, nil
}

func consumesExternal(spec model.BlockSpec, external map[string]bool) bool {
	for _, input := range spec.InputNames {
		if external[input] {
			return true
		}
	}
	return false
}

func producesOutput(spec model.BlockSpec, outputs map[string]bool) bool {
	out := spec.OutputName
	if out == "" {
		out = spec.Name
	}
	return outputs[out]
}

type color int

const (
	unvisited color = iota
	inProgress
	done
)

func (g *Graph) topologicalOrder() ([]string, error) {
	marks := make(map[string]color, len(g.declared))
	order := make([]string, 0, len(g.declared))

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case inProgress:
			return fmt.Errorf("%w: %s", ErrCycle, cycleMembers(marks))
		}
		marks[name] = inProgress
		for _, pred := range g.Predecessors[name] {
			if err := visit(pred); err != nil {
				return err
			}
		}
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range g.declared {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func cycleMembers(marks map[string]color) string {
	members := make([]string, 0, len(marks))
	for name, mark := range marks {
		if mark == inProgress {
			members = append(members, name)
		}
	}
	sort.Strings(members)
	return strings.Join(members, ", ")
}

// TerminalBlocks returns the blocks whose outputs are the declared model
// outputs, in declaration order.
func (g *Graph) TerminalBlocks(modelOutputs []string) ([]string, error) {
	outputs := make(map[string]bool, len(modelOutputs))
	for _, name := range modelOutputs {
		outputs[name] = true
	}
	terminals := make([]string, 0, len(modelOutputs))
	for _, name := range g.declared {
		if producesOutput(g.Specs[name], outputs) {
			terminals = append(terminals, name)
		}
	}
	if len(terminals) == 0 {
		return nil, errors.New("no terminal blocks match the declared model outputs")
	}
	return terminals, nil
}
