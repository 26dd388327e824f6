package injection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/completion"
)

type fakeEnqueuer struct {
	reqs []completion.Request
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req completion.Request) completion.EnqueueResult {
	f.reqs = append(f.reqs, req)
	return completion.EnqueueResult{Status: "ready"}
}

type fakeStateQueue struct {
	items map[string][]any
}

func newFakeStateQueue() *fakeStateQueue {
	return &fakeStateQueue{items: make(map[string][]any)}
}

func (f *fakeStateQueue) Push(ctx context.Context, namespace, key string, value any, ttlSeconds float64) error {
	b, _ := toMap(value)
	f.items[key] = append(f.items[key], b)
	return nil
}

func (f *fakeStateQueue) GetQueue(ctx context.Context, namespace, key string) ([]any, error) {
	return append([]any{}, f.items[key]...), nil
}

func (f *fakeStateQueue) DeleteQueue(ctx context.Context, namespace, key string) error {
	delete(f.items, key)
	return nil
}

// toMap mimics the JSON round trip the real state store performs, since
// Item would otherwise arrive at ApplyPending as a typed struct instead
// of the map[string]any JSON decoding always produces.
func toMap(value any) (map[string]any, error) {
	item, ok := value.(Item)
	if !ok {
		return nil, nil
	}
	return map[string]any{
		"content":      item.Content,
		"position":     item.Position,
		"trigger_type": item.TriggerType,
		"enqueued_at":  item.EnqueuedAt,
	}, nil
}

func TestHandleResultDirectModeEnqueuesInjectedRequest(t *testing.T) {
	enq := &fakeEnqueuer{}
	state := newFakeStateQueue()
	r := New(enq, state, nil, nil)

	req := completion.Request{
		RequestID: "r1",
		SessionID: "s1",
		InjectionConfig: completion.InjectionConfig{
			Enabled: true, Mode: "direct", Position: "prepend", TriggerType: "test",
		},
	}
	res := completion.Result{RequestID: "r1", SessionID: "s1", Status: completion.StatusSuccess, Content: "result body"}

	r.HandleResult(context.Background(), req, res)

	require.Len(t, enq.reqs, 1)
	require.Equal(t, "s1", enq.reqs[0].SessionID)
	require.True(t, enq.reqs[0].IsInjection)
	require.Equal(t, completion.PriorityInject, enq.reqs[0].Priority)
	require.Contains(t, enq.reqs[0].Prompt, "result body")
	require.Equal(t, "r1", enq.reqs[0].CircuitBreaker.ParentRequestID)
}

func TestHandleResultNextModeQueuesForTargetSessions(t *testing.T) {
	enq := &fakeEnqueuer{}
	state := newFakeStateQueue()
	r := New(enq, state, nil, nil)

	req := completion.Request{
		RequestID: "r1",
		SessionID: "s1",
		InjectionConfig: completion.InjectionConfig{
			Enabled: true, Mode: "next", Position: "postscript",
			TargetSessions: []string{"s2", "s3"},
		},
	}
	res := completion.Result{RequestID: "r1", SessionID: "s1", Status: completion.StatusSuccess, Content: "follow up"}

	r.HandleResult(context.Background(), req, res)

	require.Empty(t, enq.reqs)
	items, err := r.List(context.Background(), "s2")
	require.NoError(t, err)
	require.Len(t, items, 1)
	items3, err := r.List(context.Background(), "s3")
	require.NoError(t, err)
	require.Len(t, items3, 1)
}

func TestHandleResultSkipsInjectedOrigin(t *testing.T) {
	enq := &fakeEnqueuer{}
	state := newFakeStateQueue()
	r := New(enq, state, nil, nil)

	req := completion.Request{
		RequestID:   "r1",
		SessionID:   "s1",
		IsInjection: true,
		InjectionConfig: completion.InjectionConfig{
			Enabled: true, Mode: "direct",
		},
	}
	res := completion.Result{RequestID: "r1", SessionID: "s1", Status: completion.StatusSuccess, Content: "x"}

	r.HandleResult(context.Background(), req, res)

	require.Empty(t, enq.reqs)
}

func TestHandleResultSkipsWhenDisabledOrNotSuccess(t *testing.T) {
	enq := &fakeEnqueuer{}
	state := newFakeStateQueue()
	r := New(enq, state, nil, nil)

	disabled := completion.Request{RequestID: "r1", SessionID: "s1"}
	r.HandleResult(context.Background(), disabled, completion.Result{Status: completion.StatusSuccess, Content: "x"})
	require.Empty(t, enq.reqs)

	enabledButFailed := completion.Request{
		RequestID:       "r2",
		SessionID:       "s1",
		InjectionConfig: completion.InjectionConfig{Enabled: true, Mode: "direct"},
	}
	r.HandleResult(context.Background(), enabledButFailed, completion.Result{Status: completion.StatusError, Content: "x"})
	require.Empty(t, enq.reqs)
}

func TestApplyPendingFoldsQueuedInjectionsThenClears(t *testing.T) {
	state := newFakeStateQueue()
	r := New(&fakeEnqueuer{}, state, nil, nil)

	require.NoError(t, state.Push(context.Background(), Namespace, "s1", Item{Content: "before", Position: "prepend"}, 0))
	require.NoError(t, state.Push(context.Background(), Namespace, "s1", Item{Content: "after", Position: "postscript"}, 0))

	prompt, err := r.ApplyPending(context.Background(), "s1", "base prompt")
	require.NoError(t, err)
	require.Contains(t, prompt, "before")
	require.Contains(t, prompt, "base prompt")
	require.Contains(t, prompt, "after")
	require.True(t, len(prompt) > len("base prompt"))

	items, err := r.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestComposeContentSystemReminderWrapsBody(t *testing.T) {
	out := ComposeContent(PositionSystemReminder, "scheduled_check", "stay focused", "do the thing")
	require.Contains(t, out, "<system-reminder>")
	require.Contains(t, out, "scheduled_check")
	require.Contains(t, out, "stay focused")
	require.Contains(t, out, "do the thing")
	require.Contains(t, out, "</system-reminder>")
}

func TestInjectDeliversToExplicitTargets(t *testing.T) {
	enq := &fakeEnqueuer{}
	state := newFakeStateQueue()
	r := New(enq, state, nil, nil)

	n := r.Inject(context.Background(), InjectRequest{
		Content:        "manual nudge",
		Mode:           "direct",
		Position:       PositionPrepend,
		TargetSessions: []string{"s9"},
	})

	require.Equal(t, 1, n)
	require.Len(t, enq.reqs, 1)
	require.Equal(t, "s9", enq.reqs[0].SessionID)
}
