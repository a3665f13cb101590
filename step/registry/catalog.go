package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.hackfix.me/dictstep/step"
)

type catalogKey struct {
	name   string
	number int
}

type entry struct {
	desc step.Descriptor
	def  step.Definition
}

// Catalog is the set of step definitions found in a single discovery pass.
type Catalog struct {
	defs map[catalogKey]entry
}

// Descriptors returns the descriptors of all discovered steps, sorted by name
// and number.
func (c *Catalog) Descriptors() []step.Descriptor {
	descs := make([]step.Descriptor, 0, len(c.defs))
	for _, e := range c.defs {
		descs = append(descs, e.desc)
	}
	slices.SortFunc(descs, step.Compare)

	return descs
}

// Definition returns the definition of the step with the given key.
func (c *Catalog) Definition(key step.Key) (step.Definition, bool) {
	e, ok := c.defs[catalogKey{name: strings.ToLower(key.Name), number: key.Number}]
	return e.def, ok
}

// Len returns the number of discovered steps.
func (c *Catalog) Len() int {
	return len(c.defs)
}

func (c *Catalog) add(module string, def step.Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("step has an empty name")
	}
	if strings.ContainsAny(def.Name, ":") {
		return fmt.Errorf("step name '%s' contains invalid character ':'", def.Name)
	}
	if def.Number < 1 {
		return fmt.Errorf("step '%s' has invalid number %d", def.Name, def.Number)
	}
	if def.New == nil {
		return fmt.Errorf("step '%s' has no constructor", def.Name)
	}
	if def.State != step.StatePending && def.State != step.StateReleased {
		return fmt.Errorf("step '%s' has invalid declared state %s", def.Name, def.State)
	}

	key := catalogKey{name: strings.ToLower(def.Name), number: def.Number}
	if prev, ok := c.defs[key]; ok {
		return fmt.Errorf("duplicate step %s, already registered by module '%s'",
			def.Descriptor(module).Key(), prev.desc.Module)
	}
	c.defs[key] = entry{desc: def.Descriptor(module), def: def}

	return nil
}
