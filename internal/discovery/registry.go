// Package discovery implements system:discover/introspection: a
// registry of handler metadata (reflected once per handler via
// invopop/jsonschema) backed by a SQLite cache keyed on the current
// handler set's hash, invalidated whenever that set changes.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// HandlerSpec describes one registered event handler for introspection.
type HandlerSpec struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Summary   string `json:"summary"`
	Schema    *jsonschema.Schema `json:"params_schema,omitempty"`
}

// Registry tracks every handler registered with the router, alongside
// the reflected parameter schema supplied at registration time.
type Registry struct {
	mu    sync.Mutex
	specs map[string]HandlerSpec
	order []string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]HandlerSpec)}
}

// Register records spec, reflecting paramsShape's JSON Schema once if
// non-nil. Re-registering the same name overwrites it in place.
func Register(r *Registry, name, namespace, summary string, paramsShape any) {
	spec := HandlerSpec{Name: name, Namespace: namespace, Summary: summary}
	if paramsShape != nil {
		reflector := &jsonschema.Reflector{FieldNameTag: "json"}
		spec.Schema = reflector.Reflect(paramsShape)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[name]; !exists {
		r.order = append(r.order, name)
	}
	r.specs[name] = spec
}

// List returns every registered spec, in registration order.
func (r *Registry) List() []HandlerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HandlerSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Hash returns a stable digest of the current handler set's names and
// schemas, used as the discovery cache key: any registration change
// produces a different hash, naturally invalidating stale entries.
func (r *Registry) Hash() string {
	r.mu.Lock()
	names := append([]string{}, r.order...)
	r.mu.Unlock()
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		spec := r.specs[name]
		h.Write([]byte(spec.Name))
		h.Write([]byte{0})
		h.Write([]byte(spec.Namespace))
		h.Write([]byte{0})
		if spec.Schema != nil {
			b, _ := json.Marshal(spec.Schema)
			h.Write(b)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
