package handlers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/circuitbreaker"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/correlation"
	"github.com/ksi-project/ksid/internal/discovery"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/router"
	"github.com/ksi-project/ksid/internal/state"
)

type instantProvider struct {
	sessionID string
}

func (p *instantProvider) Invoke(ctx context.Context, req completion.Request) (completion.ProviderResult, error) {
	sid := p.sessionID
	if sid == "" {
		sid = req.SessionID
	}
	return completion.ProviderResult{Content: "ok: " + req.Prompt, SessionID: sid}, nil
}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	correl := correlation.NewStore(time.Hour)
	rtr := router.New(correl, nil, nil, nil, nil)

	breaker := circuitbreaker.NewBreaker(circuitbreaker.Config{
		MaxDepth:    10,
		TokenBudget: 1_000_000,
		TimeWindow:  time.Hour,
	}, circuitbreaker.NewChainTracker())

	sched := completion.New(completion.Config{
		RequestTimeout: 5 * time.Second,
		ResponsesDir:   filepath.Join(t.TempDir(), "responses"),
	}, breaker, &instantProvider{}, nil, nil, nil, nil)

	inj := injection.New(sched, st, nil, nil)

	d := &Deps{
		Router:       rtr,
		Registry:     discovery.NewRegistry(),
		State:        st,
		Correlations: correl,
		Scheduler:    sched,
		Injections:   inj,
		StartedAt:    time.Now(),
	}
	d.Discovery = discovery.NewService(d.Registry, nil, nil)
	registerSystem(d)
	registerState(d)
	registerAsyncState(d)
	registerCompletion(d)
	registerInjection(d)
	registerCorrelation(d)
	return d
}

func emitFirst(t *testing.T, d *Deps, name string, data map[string]any) map[string]any {
	t.Helper()
	return d.Router.EmitFirst(context.Background(), name, data, nil)
}

func TestStateRoundTrip(t *testing.T) {
	d := newTestDeps(t)

	res := emitFirst(t, d, "state:set", map[string]any{"key": "k", "value": "v"})
	require.Equal(t, "set", res["status"])

	res = emitFirst(t, d, "state:get", map[string]any{"key": "k"})
	require.Equal(t, true, res["found"])
	require.Equal(t, "v", res["value"])

	res = emitFirst(t, d, "state:delete", map[string]any{"key": "k"})
	require.Equal(t, "deleted", res["status"])

	res = emitFirst(t, d, "state:get", map[string]any{"key": "k"})
	require.Equal(t, false, res["found"])

	// Repeated delete reports not_found, not an error.
	res = emitFirst(t, d, "state:delete", map[string]any{"key": "k"})
	require.Equal(t, "not_found", res["status"])
}

func TestAsyncStateFIFOOrder(t *testing.T) {
	d := newTestDeps(t)

	for _, v := range []string{"a", "b", "c"} {
		res := emitFirst(t, d, "async_state:push", map[string]any{"key": "q", "value": v})
		require.Equal(t, "pushed", res["status"])
	}

	res := emitFirst(t, d, "async_state:queue_length", map[string]any{"key": "q"})
	require.EqualValues(t, 3, res["length"])

	var got []string
	for i := 0; i < 3; i++ {
		res := emitFirst(t, d, "async_state:pop", map[string]any{"key": "q"})
		require.Equal(t, true, res["found"])
		got = append(got, res["value"].(string))
	}
	require.Equal(t, []string{"a", "b", "c"}, got)

	res = emitFirst(t, d, "async_state:pop", map[string]any{"key": "q"})
	require.Equal(t, false, res["found"])
}

func TestSystemHealthAndDiscover(t *testing.T) {
	d := newTestDeps(t)

	res := emitFirst(t, d, "system:health", nil)
	require.Equal(t, "ok", res["status"])

	res = emitFirst(t, d, "system:discover", nil)
	require.NotNil(t, res["namespaces"])

	res = emitFirst(t, d, "system:help", map[string]any{"event": "state:get"})
	require.Equal(t, true, res["found"])
	require.Equal(t, "state", res["namespace"])
}

func TestMissingParameterReturnsError(t *testing.T) {
	d := newTestDeps(t)

	res := emitFirst(t, d, "state:get", map[string]any{})
	require.Contains(t, res["error"], "key")
}

func TestCompletionChainBlockedAtMaxDepth(t *testing.T) {
	d := newTestDeps(t)

	// S3: with max_depth=3, r1..r3 are accepted and r4 blocks.
	parent := ""
	for i, id := range []string{"r1", "r2", "r3"} {
		res := emitFirst(t, d, "completion:async", map[string]any{
			"request_id": id,
			"session_id": "chain",
			"prompt":     "step " + id,
			"circuit_breaker_config": map[string]any{
				"parent_request_id": parent,
				"max_depth":         3,
			},
		})
		require.NotEqual(t, "blocked", res["status"], "request %d should be accepted", i+1)
		parent = id
	}

	res := emitFirst(t, d, "completion:async", map[string]any{
		"request_id": "r4",
		"session_id": "chain",
		"prompt":     "step r4",
		"circuit_breaker_config": map[string]any{
			"parent_request_id": "r3",
			"max_depth":         3,
		},
	})
	require.Equal(t, "blocked", res["status"])
	require.Equal(t, "circuit_breaker", res["reason"])
	require.Equal(t, "ideation_depth", res["check"])
	require.EqualValues(t, 3, res["current_depth"])
	require.EqualValues(t, 3, res["max_depth"])
}

func TestInjectionNextModeAppliedToNextPrompt(t *testing.T) {
	d := newTestDeps(t)

	// S5: queue a next-mode injection for s2, then observe the next
	// completion:async fold it into the prompt and drain the queue.
	res := emitFirst(t, d, "injection:inject", map[string]any{
		"content":         "remember the context",
		"mode":            "next",
		"position":        "prepend",
		"target_sessions": []any{"s2"},
		"ttl_seconds":     60.0,
	})
	require.Equal(t, "injected", res["status"])

	res = emitFirst(t, d, "injection:list", map[string]any{"session_id": "s2"})
	require.EqualValues(t, 1, res["count"])

	res = emitFirst(t, d, "completion:async", map[string]any{
		"session_id": "s2",
		"prompt":     "real prompt",
	})
	require.NotEqual(t, "blocked", res["status"])

	res = emitFirst(t, d, "injection:list", map[string]any{"session_id": "s2"})
	require.EqualValues(t, 0, res["count"])
}

func TestCorrelationChainThroughNestedEmit(t *testing.T) {
	d := newTestDeps(t)

	var childCorr string
	d.Router.Register("test:outer", func(rctx *router.Context, data map[string]any) (map[string]any, error) {
		rctx.Emit(rctx.Context, "test:inner", map[string]any{})
		return map[string]any{"done": true}, nil
	})
	d.Router.Register("test:inner", func(rctx *router.Context, data map[string]any) (map[string]any, error) {
		childCorr = rctx.CorrelationID
		return nil, nil
	})

	emitFirst(t, d, "test:outer", map[string]any{})
	require.NotEmpty(t, childCorr)

	res := emitFirst(t, d, "correlation:trace", map[string]any{"correlation_id": childCorr})
	require.Equal(t, true, res["found"])
}
