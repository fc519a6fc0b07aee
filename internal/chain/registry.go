package chain

import "sort"

// Registry resolves chain implementations by name, replacing the original
// pick-a-function-by-string dispatch with an explicit lookup table.
type Registry struct {
	chains map[string]Chain
}

func NewRegistry(chains ...Chain) *Registry {
	registry := &Registry{chains: make(map[string]Chain, len(chains))}
	for _, c := range chains {
		registry.chains[c.Name()] = c
	}
	return registry
}

func (r *Registry) Get(name string) (Chain, bool) {
	c, ok := r.chains[name]
	return c, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
