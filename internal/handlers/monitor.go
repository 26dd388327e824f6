package handlers

import (
	"strings"

	"github.com/ksi-project/ksid/internal/discovery"
	"github.com/ksi-project/ksid/internal/eventlog"
	"github.com/ksi-project/ksid/internal/router"
)

type getEventsParams struct {
	EventPatterns []string `json:"event_patterns,omitempty"`
	OriginatorID  string   `json:"originator_id,omitempty"`
	StartTime     float64  `json:"start_time,omitempty"`
	EndTime       float64  `json:"end_time,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

type sessionEventsParams struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

type correlationChainParams struct {
	CorrelationID string `json:"correlation_id"`
}

type subscribeParams struct {
	Patterns []string `json:"patterns,omitempty"`
}

func patternMatches(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || p == name {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func entryToMap(e eventlog.Entry) map[string]any {
	out := map[string]any{
		"event_name":     e.Event.Name,
		"event_id":       e.Event.EventID,
		"timestamp":      e.Event.Timestamp,
		"correlation_id": e.Event.CorrelationID,
		"data":           e.Event.Data,
		"status":         e.Status,
	}
	if e.Event.SessionID != "" {
		out["session_id"] = e.Event.SessionID
	}
	if e.Event.OriginatorID != "" {
		out["originator_id"] = e.Event.OriginatorID
	}
	if e.Error != "" {
		out["error"] = e.Error
	}
	if len(e.PayloadRefs) != 0 {
		out["payload_refs"] = e.PayloadRefs
	}
	return out
}

func registerMonitor(d *Deps) {
	register(d, "monitor:get_events", "Return recent events from the hot ring.", getEventsParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p getEventsParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			limit := p.Limit
			if limit <= 0 {
				limit = 100
			}

			entries := d.Log.Ring().Snapshot(0) // newest-first
			out := make([]map[string]any, 0, limit)
			for _, e := range entries {
				if len(out) >= limit {
					break
				}
				if !patternMatches(p.EventPatterns, e.Event.Name) {
					continue
				}
				if p.OriginatorID != "" && e.Event.OriginatorID != p.OriginatorID {
					continue
				}
				if p.StartTime > 0 && e.Event.Timestamp < p.StartTime {
					continue
				}
				if p.EndTime > 0 && e.Event.Timestamp > p.EndTime {
					continue
				}
				m := entryToMap(e)
				if d.Payloads != nil && len(e.PayloadRefs) != 0 {
					if dataMap, ok := m["data"].(map[string]any); ok {
						m["data"] = d.Payloads.HydrateRow(dataMap, e.PayloadRefs)
					}
				}
				out = append(out, m)
			}
			return map[string]any{"events": out, "count": len(out), "dropped": d.Log.Ring().Dropped()}, nil
		})

	register(d, "monitor:get_stats", "Return event-log counters.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			ring := d.Log.Ring()
			out := map[string]any{
				"ring_entries": ring.Len(),
				"dropped":      ring.Dropped(),
			}
			if d.Correlations != nil {
				stats := d.Correlations.Stats()
				out["correlations"] = map[string]any{
					"total": stats.Total,
					"open":  stats.Open,
					"roots": stats.Roots,
				}
			}
			return out, nil
		})

	register(d, "monitor:get_session_events", "Query the durable index for one session's events.", sessionEventsParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p sessionEventsParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.SessionID == "" {
				return nil, errMissing("session_id")
			}
			rows, err := d.Log.QueryMetadata(eventlog.QueryOptions{SessionID: p.SessionID, Limit: p.Limit})
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(rows))
			for _, r := range rows {
				out = append(out, map[string]any{
					"event_name":     r.EventName,
					"event_id":       r.EventID,
					"timestamp":      r.Timestamp,
					"correlation_id": r.CorrelationID,
					"session_id":     r.SessionID,
					"status":         r.Status,
					"payload_refs":   r.PayloadRefs,
				})
			}
			return map[string]any{"session_id": p.SessionID, "events": out, "count": len(out)}, nil
		})

	register(d, "monitor:get_correlation_chain", "Return the leaf-to-root trace chain for a correlation id.", correlationChainParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p correlationChainParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.CorrelationID == "" {
				return nil, errMissing("correlation_id")
			}
			chain := d.Correlations.Chain(p.CorrelationID)
			out := make([]map[string]any, 0, len(chain))
			for _, t := range chain {
				out = append(out, traceToMap(t))
			}
			return map[string]any{"correlation_id": p.CorrelationID, "chain": out}, nil
		})

	// subscribe/unsubscribe are intercepted by the transport layer (the
	// subscription needs the raw connection); they are registered here
	// for discovery only.
	if d.Registry != nil {
		discovery.Register(d.Registry, "monitor:subscribe", "monitor", "Stream matching events over this connection.", subscribeParams{})
		discovery.Register(d.Registry, "monitor:unsubscribe", "monitor", "Stop streaming events over this connection.", nil)
	}
}
