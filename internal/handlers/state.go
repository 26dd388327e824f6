package handlers

import (
	"github.com/ksi-project/ksid/internal/router"
	"github.com/ksi-project/ksid/internal/state"
)

type kvParams struct {
	Namespace string         `json:"namespace,omitempty"`
	Key       string         `json:"key"`
	Value     any            `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type namespaceParams struct {
	Namespace string `json:"namespace,omitempty"`
}

type sessionParams struct {
	SessionID  string `json:"session_id"`
	LastOutput any    `json:"last_output,omitempty"`
}

func nsOrGlobal(ns string) string {
	if ns == "" {
		return state.GlobalNamespace
	}
	return ns
}

func registerState(d *Deps) {
	register(d, "state:set", "Write a namespaced key.", kvParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p kvParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Key == "" {
				return nil, errMissing("key")
			}
			if err := d.State.Set(rctx.Context, nsOrGlobal(p.Namespace), p.Key, p.Value, p.Metadata); err != nil {
				return nil, err
			}
			return map[string]any{"status": "set", "namespace": nsOrGlobal(p.Namespace), "key": p.Key}, nil
		})

	register(d, "state:get", "Read a namespaced key.", kvParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p kvParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Key == "" {
				return nil, errMissing("key")
			}
			res, err := d.State.Get(rctx.Context, nsOrGlobal(p.Namespace), p.Key)
			if err != nil {
				return nil, err
			}
			out := map[string]any{"found": res.Found}
			if res.Found {
				out["value"] = res.Value
				out["metadata"] = res.Metadata
				out["updated_at"] = res.UpdatedAt
			}
			return out, nil
		})

	register(d, "state:delete", "Delete a namespaced key.", kvParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p kvParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Key == "" {
				return nil, errMissing("key")
			}
			ok, err := d.State.Delete(rctx.Context, nsOrGlobal(p.Namespace), p.Key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]any{"status": "not_found"}, nil
			}
			return map[string]any{"status": "deleted"}, nil
		})

	register(d, "state:list", "List the keys in a namespace.", namespaceParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p namespaceParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			keys, err := d.State.List(rctx.Context, nsOrGlobal(p.Namespace))
			if err != nil {
				return nil, err
			}
			return map[string]any{"namespace": nsOrGlobal(p.Namespace), "keys": keys, "count": len(keys)}, nil
		})

	register(d, "state:clear", "Remove every key in a namespace.", namespaceParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p namespaceParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			n, err := d.State.Clear(rctx.Context, nsOrGlobal(p.Namespace))
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "cleared", "removed": n}, nil
		})

	register(d, "state:session:get", "Read a session's scratch record.", sessionParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p sessionParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.SessionID == "" {
				return nil, errMissing("session_id")
			}
			found, lastOutput, updatedAt, err := d.State.SessionGet(rctx.Context, p.SessionID)
			if err != nil {
				return nil, err
			}
			out := map[string]any{"found": found, "session_id": p.SessionID}
			if found {
				out["last_output"] = lastOutput
				out["updated_at"] = updatedAt
			}
			return out, nil
		})

	register(d, "state:session:update", "Overwrite a session's scratch record.", sessionParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p sessionParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.SessionID == "" {
				return nil, errMissing("session_id")
			}
			if err := d.State.SessionUpdate(rctx.Context, p.SessionID, p.LastOutput); err != nil {
				return nil, err
			}
			return map[string]any{"status": "updated", "session_id": p.SessionID}, nil
		})
}

type queueParams struct {
	Namespace  string  `json:"namespace,omitempty"`
	Key        string  `json:"key"`
	Value      any     `json:"value,omitempty"`
	TTLSeconds float64 `json:"ttl_seconds,omitempty"`
}

func registerAsyncState(d *Deps) {
	register(d, "async_state:push", "Append a value to a FIFO queue, with optional TTL.", queueParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p queueParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Key == "" {
				return nil, errMissing("key")
			}
			if err := d.State.Push(rctx.Context, nsOrGlobal(p.Namespace), p.Key, p.Value, p.TTLSeconds); err != nil {
				return nil, err
			}
			return map[string]any{"status": "pushed"}, nil
		})

	register(d, "async_state:pop", "Remove and return the oldest queue item.", queueParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p queueParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Key == "" {
				return nil, errMissing("key")
			}
			res, err := d.State.Pop(rctx.Context, nsOrGlobal(p.Namespace), p.Key)
			if err != nil {
				return nil, err
			}
			out := map[string]any{"found": res.Found}
			if res.Found {
				out["value"] = res.Value
			}
			return out, nil
		})

	register(d, "async_state:get_queue", "List a queue's items without removing them.", queueParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p queueParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Key == "" {
				return nil, errMissing("key")
			}
			items, err := d.State.GetQueue(rctx.Context, nsOrGlobal(p.Namespace), p.Key)
			if err != nil {
				return nil, err
			}
			return map[string]any{"items": items, "count": len(items)}, nil
		})

	register(d, "async_state:queue_length", "Count a queue's non-expired items.", queueParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p queueParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Key == "" {
				return nil, errMissing("key")
			}
			n, err := d.State.QueueLength(rctx.Context, nsOrGlobal(p.Namespace), p.Key)
			if err != nil {
				return nil, err
			}
			return map[string]any{"length": n}, nil
		})

	register(d, "async_state:get_keys", "List the queue keys in a namespace.", namespaceParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p namespaceParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			keys, err := d.State.GetKeys(rctx.Context, nsOrGlobal(p.Namespace))
			if err != nil {
				return nil, err
			}
			return map[string]any{"keys": keys, "count": len(keys)}, nil
		})

	register(d, "async_state:delete", "Atomically remove a whole queue.", queueParams{},
		func(rctx *router.Context, data map[string]any) (map[string]any, error) {
			var p queueParams
			if err := decode(data, &p); err != nil {
				return nil, err
			}
			if p.Key == "" {
				return nil, errMissing("key")
			}
			if err := d.State.DeleteQueue(rctx.Context, nsOrGlobal(p.Namespace), p.Key); err != nil {
				return nil, err
			}
			return map[string]any{"status": "deleted"}, nil
		})
}
