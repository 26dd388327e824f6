package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/correlation"
)

type captureLog struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (c *captureLog) Append(entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureLog) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Event.Name)
	}
	return out
}

func newTestRouter() (*Router, *captureLog) {
	log := &captureLog{}
	return New(correlation.NewStore(time.Hour), log, nil, nil, nil), log
}

func TestEmitAggregatesDuplicateRegistrationsInOrder(t *testing.T) {
	r, _ := newTestRouter()
	r.Register("test:multi", func(rctx *Context, data map[string]any) (map[string]any, error) {
		return map[string]any{"n": 1}, nil
	})
	r.Register("test:multi", func(rctx *Context, data map[string]any) (map[string]any, error) {
		return nil, nil // nil results are skipped
	})
	r.Register("test:multi", func(rctx *Context, data map[string]any) (map[string]any, error) {
		return map[string]any{"n": 3}, nil
	})

	results := r.Emit(context.Background(), "test:multi", nil, nil)
	require.Len(t, results, 2)
	require.Equal(t, 1, results[0]["n"])
	require.Equal(t, 3, results[1]["n"])
}

func TestGlobMatchesAfterExact(t *testing.T) {
	r, _ := newTestRouter()
	var order []string
	r.Register("test:*", func(rctx *Context, data map[string]any) (map[string]any, error) {
		order = append(order, "glob")
		return nil, nil
	})
	r.Register("test:thing", func(rctx *Context, data map[string]any) (map[string]any, error) {
		order = append(order, "exact")
		return nil, nil
	})

	r.Emit(context.Background(), "test:thing", nil, nil)
	require.Equal(t, []string{"exact", "glob"}, order)

	require.True(t, r.HasHandler("test:other"))
	require.False(t, r.HasHandler("untest:thing"))
}

func TestHandlerErrorIsIsolated(t *testing.T) {
	r, log := newTestRouter()
	r.Register("test:err", func(rctx *Context, data map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	r.Register("test:err", func(rctx *Context, data map[string]any) (map[string]any, error) {
		return map[string]any{"survived": true}, nil
	})

	results := r.Emit(context.Background(), "test:err", nil, nil)
	require.Len(t, results, 2)
	require.Equal(t, "boom", results[0]["error"])
	require.Equal(t, true, results[1]["survived"])

	// The failed handler produced a system:error log entry.
	require.Contains(t, log.names(), "system:error")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	r, _ := newTestRouter()
	r.Register("test:panic", func(rctx *Context, data map[string]any) (map[string]any, error) {
		panic("unexpected")
	})
	results := r.Emit(context.Background(), "test:panic", nil, nil)
	require.Len(t, results, 1)
	require.Contains(t, results[0]["error"], "handler panic")
}

func TestEmitFirstShortCircuits(t *testing.T) {
	r, _ := newTestRouter()
	var second bool
	r.Register("test:first", func(rctx *Context, data map[string]any) (map[string]any, error) {
		return map[string]any{"winner": true}, nil
	})
	r.Register("test:first", func(rctx *Context, data map[string]any) (map[string]any, error) {
		second = true
		return map[string]any{"winner": false}, nil
	})

	res := r.EmitFirst(context.Background(), "test:first", nil, nil)
	require.Equal(t, true, res["winner"])
	require.False(t, second)
}

func TestCorrelationIDMintedAndReused(t *testing.T) {
	r, log := newTestRouter()
	var seen string
	r.Register("test:corr", func(rctx *Context, data map[string]any) (map[string]any, error) {
		seen = rctx.CorrelationID
		return nil, nil
	})

	r.Emit(context.Background(), "test:corr", nil, nil)
	require.NotEmpty(t, seen)

	r.Emit(context.Background(), "test:corr", map[string]any{"correlation_id": "supplied"}, nil)
	require.Equal(t, "supplied", seen)

	// The log entries carry the same ids.
	log.mu.Lock()
	defer log.mu.Unlock()
	require.Equal(t, "supplied", log.entries[len(log.entries)-1].Event.CorrelationID)
}

func TestLogRecordsEventBeforeHandlerResponse(t *testing.T) {
	r, log := newTestRouter()
	var loggedAtCall int
	r.Register("test:ack", func(rctx *Context, data map[string]any) (map[string]any, error) {
		loggedAtCall = len(log.names())
		return map[string]any{"ok": true}, nil
	})

	r.Emit(context.Background(), "test:ack", nil, nil)
	require.GreaterOrEqual(t, loggedAtCall, 1, "event must hit the log before the handler result is observable")
}

func TestHandlerTimeout(t *testing.T) {
	r, _ := newTestRouter()
	r.Register("test:slow", func(rctx *Context, data map[string]any) (map[string]any, error) {
		select {
		case <-rctx.Done():
			return nil, rctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{"late": true}, nil
		}
	}, HandlerOptions{Timeout: 30 * time.Millisecond})

	results := r.Emit(context.Background(), "test:slow", nil, nil)
	require.Len(t, results, 1)
	require.Contains(t, results[0]["error"], "timeout")
}

func TestSubscriberReceivesMatchingEvents(t *testing.T) {
	r, _ := newTestRouter()
	var buf bytes.Buffer
	r.Subscribe("client-1", &buf, []string{"demo:*"})

	r.Emit(context.Background(), "demo:ping", map[string]any{"n": 1}, nil)
	r.Emit(context.Background(), "other:ping", nil, nil)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &msg))
	require.Equal(t, "demo:ping", msg["event"])

	r.Unsubscribe("client-1")
	r.Emit(context.Background(), "demo:ping", nil, nil)
	require.Len(t, bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")), 1)
}
