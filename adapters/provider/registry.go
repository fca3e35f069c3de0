package provider

import (
	"fmt"
	"strings"

	"github.com/voxchat/voxchat/domain"
)

type prefixEntry struct {
	prefix   string
	provider domain.Provider
}

// Registry maps model id prefixes to provider adapters. Routing is resolved
// once at registration time; lookups walk the prefix list in registration
// order and the first match wins.
type Registry struct {
	entries []prefixEntry
	catalog []domain.ProviderModel
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a provider under the given model id prefixes and merges its
// catalog.
func (r *Registry) Register(p domain.Provider, prefixes ...string) error {
	if p == nil {
		return fmt.Errorf("provider must not be nil")
	}
	if len(prefixes) == 0 {
		return fmt.Errorf("provider %s: at least one prefix required", p.Name())
	}

	for _, prefix := range prefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("provider %s: empty prefix", p.Name())
		}
		r.entries = append(r.entries, prefixEntry{prefix: prefix, provider: p})
	}
	r.catalog = append(r.catalog, p.Models()...)
	return nil
}

// Resolve returns the adapter serving a model id.
func (r *Registry) Resolve(modelID string) (domain.Provider, error) {
	for _, entry := range r.entries {
		if strings.HasPrefix(modelID, entry.prefix) {
			return entry.provider, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedModel, modelID)
}

// Catalog returns the aggregated model catalog across providers.
func (r *Registry) Catalog() []domain.ProviderModel {
	out := make([]domain.ProviderModel, len(r.catalog))
	copy(out, r.catalog)
	return out
}
