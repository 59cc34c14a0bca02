package loss

import (
	"fmt"
	"sort"
)

// DefaultKey is the sentinel variable name used when no variable-specific
// loss is assigned.
const DefaultKey = "default"

// Assignment maps output variable names to loss-function names.
type Assignment struct {
	byVariable map[string]string
}

// NewAssignment accepts either a single loss-function name applied to every
// variable, or a variable→function map (with an optional "default" entry).
func NewAssignment(setting any) (Assignment, error) {
	switch v := setting.(type) {
	case nil:
		return Assignment{byVariable: map[string]string{DefaultKey: "mse"}}, nil
	case string:
		if v == "" {
			v = "mse"
		}
		return Assignment{byVariable: map[string]string{DefaultKey: v}}, nil
	case map[string]string:
		byVariable := make(map[string]string, len(v)+1)
		for variable, name := range v {
			byVariable[variable] = name
		}
		if _, ok := byVariable[DefaultKey]; !ok {
			byVariable[DefaultKey] = "mse"
		}
		return Assignment{byVariable: byVariable}, nil
	default:
		return Assignment{}, fmt.Errorf("unsupported loss setting type: %T", setting)
	}
}

// NameFor resolves the loss-function name for a variable, falling back to the
// default entry.
func (a Assignment) NameFor(variable string) string {
	if name, ok := a.byVariable[variable]; ok {
		return name
	}
	return a.byVariable[DefaultKey]
}

// Names lists every referenced loss-function name, deduplicated and sorted.
func (a Assignment) Names() []string {
	seen := make(map[string]bool, len(a.byVariable))
	names := make([]string, 0, len(a.byVariable))
	for _, name := range a.byVariable {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
