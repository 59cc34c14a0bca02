package block

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var ErrActivationNotFound = errors.New("activation not found")

type ActivationFunc func(x float64) float64

type activationEntry struct {
	fn         ActivationFunc
	derivative ActivationFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]activationEntry
}{
	m: make(map[string]activationEntry),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation("identity",
		func(x float64) float64 { return x },
		func(x float64) float64 { return 1 })
	MustRegisterActivation("relu",
		func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
	MustRegisterActivation("tanh",
		math.Tanh,
		func(x float64) float64 {
			y := math.Tanh(x)
			return 1 - y*y
		})
	MustRegisterActivation("sigmoid",
		func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		func(x float64) float64 {
			s := 1 / (1 + math.Exp(-x))
			return s * (1 - s)
		})
	MustRegisterActivation("leaky_relu",
		func(x float64) float64 {
			if x < 0 {
				return 0.01 * x
			}
			return x
		},
		func(x float64) float64 {
			if x < 0 {
				return 0.01
			}
			return 1
		})
}

func RegisterActivation(name string, fn, derivative ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil || derivative == nil {
		return errors.New("activation function and derivative are required")
	}
	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()
	if _, exists := activationRegistry.m[name]; exists {
		return fmt.Errorf("activation already registered: %s", name)
	}
	activationRegistry.m[name] = activationEntry{fn: fn, derivative: derivative}
	return nil
}

func MustRegisterActivation(name string, fn, derivative ActivationFunc) {
	if err := RegisterActivation(name, fn, derivative); err != nil {
		panic(err)
	}
}

// GetActivation resolves an activation and its derivative. The empty name
// means identity.
func GetActivation(name string) (fn, derivative ActivationFunc, err error) {
	if name == "" {
		name = "identity"
	}
	activationRegistry.mu.RLock()
	entry, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return entry.fn, entry.derivative, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()
	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
