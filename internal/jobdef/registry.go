package jobdef

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNoDefinitions = errors.New("no job definitions found")
	ErrDuplicateName = errors.New("duplicate job name")
)

// Registry maps job names to definitions. It is immutable once built and
// safe for concurrent use.
type Registry struct {
	defs  map[string]*Definition
	names []string
}

func NewRegistry(defs ...*Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, ErrNoDefinitions
	}
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, def := range defs {
		if prev, ok := r.defs[def.name]; ok {
			return nil, fmt.Errorf("%w: %q declared in %s and %s", ErrDuplicateName, def.name, origin(prev), origin(def))
		}
		r.defs[def.name] = def
		r.names = append(r.names, def.name)
	}
	sort.Strings(r.names)
	return r, nil
}

func origin(d *Definition) string {
	if d.source == "" {
		return "<code>"
	}
	return d.source
}

func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns the registered job names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Definitions returns all definitions ordered by name.
func (r *Registry) Definitions() []*Definition {
	out := make([]*Definition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.defs[name])
	}
	return out
}

func (r *Registry) Len() int { return len(r.names) }
