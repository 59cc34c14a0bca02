package block

import (
	"errors"
	"fmt"
	"sync"

	"meshnet/internal/model"
	"meshnet/internal/tensor"
)

var (
	ErrTypeExists   = errors.New("block type already registered")
	ErrTypeNotFound = errors.New("unknown block type")
)

// Block is the capability contract every computation node satisfies. Forward
// must be shape-stable: the same input shape family in yields the same family
// out, so the executor never needs block-specific shape logic.
type Block interface {
	Spec() model.BlockSpec
	Forward(inputs []*tensor.Dense, supports []*tensor.Sparse, shapes []model.OriginalShape) (*tensor.Dense, error)
}

// Parameter is one learnable tensor of a block.
type Parameter struct {
	Name  string
	Value *tensor.Dense
	Grad  *tensor.Dense
}

// Trainable blocks expose gradients of the most recent forward pass. The
// executor delegates the reverse walk to them; the module itself carries no
// general autodiff.
type Trainable interface {
	Block
	Backward(grad *tensor.Dense) ([]*tensor.Dense, error)
	Parameters() []*Parameter
}

// Constructor builds a block from its specification.
type Constructor func(spec model.BlockSpec) (Block, error)

// Registry is an injectable block type table. It is passed to the network
// builder at construction so extension never goes through package state.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Constructor)}
}

func (r *Registry) Register(name string, constructor Constructor) error {
	if name == "" {
		return errors.New("block type name is required")
	}
	if constructor == nil {
		return errors.New("block constructor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrTypeExists, name)
	}
	r.m[name] = constructor
	return nil
}

func (r *Registry) MustRegister(name string, constructor Constructor) {
	if err := r.Register(name, constructor); err != nil {
		panic(err)
	}
}

func (r *Registry) New(spec model.BlockSpec) (Block, error) {
	r.mu.RLock()
	constructor, ok := r.m[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, spec.Type)
	}
	return constructor(spec)
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[name]
	return ok
}

func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for name, constructor := range r.m {
		out.m[name] = constructor
	}
	return out
}

// DefaultRegistry returns a registry with the built-in block types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("identity", newIdentity)
	r.MustRegister("mlp", newMLP)
	r.MustRegister("gcn", newGCN)
	r.MustRegister("reducer", newReducer)
	return r
}
