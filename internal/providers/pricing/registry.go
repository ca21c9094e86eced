package pricing

import (
	"errors"
	"sort"
	"strings"
)

var ErrProviderNotFound = errors.New("pricing_provider_not_found")

// Registry holds the configured adapters keyed by lower-case name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{providers: map[string]Provider{}}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider.Name()))
		if name == "" {
			continue
		}
		registry.providers[name] = provider
	}
	return registry
}

func (r *Registry) Get(name string) (Provider, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// All returns every adapter in stable name order.
func (r *Registry) All() []Provider {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		out = append(out, r.providers[name])
	}
	return out
}

// Select resolves a subset by name, or All when names is empty.
func (r *Registry) Select(names []string) ([]Provider, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		provider, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, provider)
	}
	return out, nil
}
