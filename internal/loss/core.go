package loss

import (
	"fmt"

	"meshnet/internal/tensor"
)

// Core resolves a variable name to a concrete loss function and evaluates
// it. Every assigned function name is checked against the registered table
// at construction, never per call.
type Core struct {
	assignment Assignment
	table      map[string]Function
}

func NewCore(assignment Assignment, user map[string]Function) (*Core, error) {
	table := functionTable(user)
	for _, name := range assignment.Names() {
		if _, ok := table[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
		}
	}
	return &Core{assignment: assignment, table: table}, nil
}

func (c *Core) function(variable string) Function {
	if variable == "" {
		variable = DefaultKey
	}
	return c.table[c.assignment.NameFor(variable)]
}

// Calculate evaluates the loss assigned to the variable (empty means the
// default assignment).
func (c *Core) Calculate(pred, target *tensor.Dense, variable string) (float64, error) {
	return c.function(variable).Fn(pred, target)
}

// Gradient evaluates the loss gradient with respect to the prediction.
func (c *Core) Gradient(pred, target *tensor.Dense, variable string) (*tensor.Dense, error) {
	return c.function(variable).Grad(pred, target)
}
