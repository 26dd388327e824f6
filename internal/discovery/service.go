package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ksi-project/ksid/internal/observability"
)

// Service answers system:discover by combining the live handler
// Registry with the SQLite-backed Cache, so repeated discovery calls
// between registration changes are served from disk rather than
// re-walking every reflected schema.
type Service struct {
	registry *Registry
	cache    *Cache
	logger   *observability.Logger
}

// NewService constructs a Service. cache may be nil, in which case
// every call recomputes the payload.
func NewService(registry *Registry, cache *Cache, logger *observability.Logger) *Service {
	return &Service{registry: registry, cache: cache, logger: logger}
}

// namespaceSummary is one entry in the discovery payload's "namespaces"
// list.
type namespaceSummary struct {
	Namespace string        `json:"namespace"`
	Handlers  []HandlerSpec `json:"handlers"`
}

// Discover returns the full handler surface grouped by namespace,
// serving the registry's current hash from cache when available.
func (s *Service) Discover(ctx context.Context) (map[string]any, error) {
	hash := s.registry.Hash()

	if s.cache != nil {
		if payload, found, err := s.cache.Get(ctx, hash); err == nil && found {
			var out map[string]any
			if err := json.Unmarshal([]byte(payload), &out); err == nil {
				return out, nil
			}
		}
	}

	grouped := map[string][]HandlerSpec{}
	var namespaceOrder []string
	for _, spec := range s.registry.List() {
		if _, ok := grouped[spec.Namespace]; !ok {
			namespaceOrder = append(namespaceOrder, spec.Namespace)
		}
		grouped[spec.Namespace] = append(grouped[spec.Namespace], spec)
	}

	summaries := make([]namespaceSummary, 0, len(namespaceOrder))
	for _, ns := range namespaceOrder {
		summaries = append(summaries, namespaceSummary{Namespace: ns, Handlers: grouped[ns]})
	}

	out := map[string]any{
		"hash":       hash,
		"namespaces": summaries,
	}

	if s.cache != nil {
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("discovery: marshal payload: %w", err)
		}
		if err := s.cache.Put(ctx, hash, string(b)); err != nil && s.logger != nil {
			s.logger.Error(ctx, "discovery: cache put failed", "error", err.Error())
		}
	}

	return out, nil
}

// Describe returns a single handler's spec, if registered.
func (s *Service) Describe(name string) (HandlerSpec, bool) {
	for _, spec := range s.registry.List() {
		if spec.Name == name {
			return spec, true
		}
	}
	return HandlerSpec{}, false
}
