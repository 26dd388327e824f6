package handlers

import (
	"time"

	"github.com/ksi-project/ksid/internal/router"
)

type shutdownParams struct {
	Reason string `json:"reason,omitempty"`
}

type helpParams struct {
	Event string `json:"event"`
}

func registerSystem(d *Deps) {
	register(d, "system:health", "Daemon liveness and basic counters.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			out := map[string]any{
				"status":         "ok",
				"uptime_seconds": time.Since(d.StartedAt).Seconds(),
			}
			if d.Correlations != nil {
				stats := d.Correlations.Stats()
				out["active_correlations"] = stats.Open
			}
			if d.Log != nil {
				out["events_dropped"] = d.Log.Ring().Dropped()
			}
			return out, nil
		})

	register(d, "system:shutdown", "Begin the graceful shutdown sequence.", shutdownParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p shutdownParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Reason == "" {
				p.Reason = "requested"
			}
			if d.Shutdown != nil {
				// Deferred so the requester receives this response before
				// the transport stops accepting.
				go d.Shutdown(p.Reason)
			}
			return map[string]any{"status": "shutting_down", "reason": p.Reason}, nil
		})

	register(d, "system:discover", "Enumerate the registered event surface with parameter schemas.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			if d.Discovery == nil {
				return nil, errMissing("discovery service")
			}
			return d.Discovery.Discover(rctx.Context)
		})

	register(d, "system:help", "Describe a single event's parameters.", helpParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p helpParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Event == "" {
				return nil, errMissing("event")
			}
			if d.Discovery == nil {
				return nil, errMissing("discovery service")
			}
			spec, ok := d.Discovery.Describe(p.Event)
			if !ok {
				return map[string]any{"found": false, "event": p.Event}, nil
			}
			return map[string]any{
				"found":         true,
				"event":         spec.Name,
				"namespace":     spec.Namespace,
				"summary":       spec.Summary,
				"params_schema": spec.Schema,
			}, nil
		})
}
