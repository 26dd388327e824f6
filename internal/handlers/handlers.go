// Package handlers registers the daemon's event surface onto the
// router: every ns:verb handler, each paired with a discovery registry
// entry carrying its reflected parameter schema.
package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ksi-project/ksid/internal/agent"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/composition"
	"github.com/ksi-project/ksid/internal/correlation"
	"github.com/ksi-project/ksid/internal/discovery"
	"github.com/ksi-project/ksid/internal/eventlog"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/observability"
	"github.com/ksi-project/ksid/internal/router"
	"github.com/ksi-project/ksid/internal/sandbox"
	"github.com/ksi-project/ksid/internal/state"
	"github.com/ksi-project/ksid/internal/tools/policy"
)

// Deps carries every subsystem the handler set dispatches into. Fields
// may be nil in tests exercising a subset of the surface; a handler
// whose dependency is missing responds with an error rather than
// panicking.
type Deps struct {
	Router       *router.Router
	Registry     *discovery.Registry
	Discovery    *discovery.Service
	State        *state.Store
	Log          *eventlog.Log
	Payloads     *eventlog.PayloadLoader
	Correlations *correlation.Store
	Scheduler    *completion.Scheduler
	Injections   *injection.Router
	Agents       *agent.Manager
	Sandboxes    *sandbox.Manager
	Compositions *composition.Service
	Capabilities *policy.System
	Logger       *observability.Logger

	// Shutdown initiates the daemon shutdown sequence; wired by cmd/ksid
	// to the root context's cancel.
	Shutdown func(reason string)

	StartedAt time.Time
}

// RegisterAll registers the full event surface.
func RegisterAll(d *Deps) {
	registerSystem(d)
	registerState(d)
	registerAsyncState(d)
	registerCompletion(d)
	registerComposition(d)
	registerAgent(d)
	registerPermission(d)
	registerSandbox(d)
	registerInjection(d)
	registerMonitor(d)
	registerCorrelation(d)
}

// register binds one handler to the router and records its discovery
// spec in a single step, keeping the two registries in lockstep.
func register(d *Deps, name, summary string, paramsShape any, h router.Handler) {
	d.Router.Register(name, h)
	if d.Registry != nil {
		discovery.Register(d.Registry, name, namespaceOf(name), summary, paramsShape)
	}
}

func namespaceOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i]
		}
	}
	return name
}

// decode maps the event's loose data payload onto a typed parameter
// struct via a JSON round trip, the same struct discovery reflects the
// schema from.
func decode(data map[string]any, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

func errMissing(field string) error {
	return router.ValidationError("missing required parameter %q", field)
}
