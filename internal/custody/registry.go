package custody

import "fmt"

// Registry maps provider names to adapter instances. It is populated
// once during startup wiring and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Registering the same
// provider twice is a wiring bug and fails loudly.
func (r *Registry) Register(adapter Adapter) error {
	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter for provider %q already registered", name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(provider string) (Adapter, error) {
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return adapter, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
