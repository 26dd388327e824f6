package handlers

import (
	"github.com/ksi-project/ksid/internal/correlation"
	"github.com/ksi-project/ksid/internal/router"
)

type correlationIDParams struct {
	CorrelationID string `json:"correlation_id"`
}

func traceToMap(t *correlation.Trace) map[string]any {
	if t == nil {
		return nil
	}
	out := map[string]any{
		"correlation_id": t.CorrelationID,
		"event_name":     t.EventName,
		"created_at":     float64(t.CreatedAt.UnixNano()) / 1e9,
		"children":       t.Children,
	}
	if t.ParentID != "" {
		out["parent_id"] = t.ParentID
	}
	if !t.CompletedAt.IsZero() {
		out["completed_at"] = float64(t.CompletedAt.UnixNano()) / 1e9
	}
	if t.Result != nil {
		out["result"] = t.Result
	}
	if t.Error != "" {
		out["error"] = t.Error
	}
	return out
}

// treeToMap renders the subtree rooted at t, expanding child ids into
// nested trace objects.
func treeToMap(store *correlation.Store, t *correlation.Trace) map[string]any {
	if t == nil {
		return nil
	}
	out := traceToMap(t)
	children := make([]map[string]any, 0, len(t.Children))
	for _, childID := range t.Children {
		if child := store.Get(childID); child != nil {
			children = append(children, treeToMap(store, child))
		}
	}
	out["children"] = children
	return out
}

func registerCorrelation(d *Deps) {
	register(d, "correlation:trace", "Return a single correlation trace.", correlationIDParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p correlationIDParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.CorrelationID == "" {
				return nil, errMissing("correlation_id")
			}
			t := d.Correlations.Get(p.CorrelationID)
			if t == nil {
				return map[string]any{"found": false, "correlation_id": p.CorrelationID}, nil
			}
			out := traceToMap(t)
			out["found"] = true
			return out, nil
		})

	register(d, "correlation:chain", "Return the leaf-to-root path for a correlation id.", correlationIDParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p correlationIDParams
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

	register(d, "correlation:tree", "Return the full subtree from a correlation id's chain root.", correlationIDParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p correlationIDParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.CorrelationID == "" {
				return nil, errMissing("correlation_id")
			}
			root := d.Correlations.Tree(p.CorrelationID)
			if root == nil {
				return map[string]any{"found": false, "correlation_id": p.CorrelationID}, nil
			}
			return map[string]any{"found": true, "tree": treeToMap(d.Correlations, root)}, nil
		})

	register(d, "correlation:stats", "Summarize the correlation store.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			stats := d.Correlations.Stats()
			return map[string]any{
				"total":             stats.Total,
				"open":              stats.Open,
				"roots":             stats.Roots,
				"oldest_age_seconds": stats.OldestAge.Seconds(),
			}, nil
		})

	register(d, "correlation:cleanup", "Purge expired traces now.", nil,
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			removed := d.Correlations.GC()
			return map[string]any{"status": "cleaned", "removed": removed}, nil
		})
}
