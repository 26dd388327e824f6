package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/permission"
	"github.com/ksi-project/ksid/internal/sandbox"
	"github.com/ksi-project/ksid/internal/tools/policy"
)

type fakeEnqueuer struct {
	reqs []completion.Request
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req completion.Request) completion.EnqueueResult {
	f.reqs = append(f.reqs, req)
	return completion.EnqueueResult{Status: "ready"}
}

func newTestManager(t *testing.T, enq Enqueuer) *Manager {
	t.Helper()
	sm, err := sandbox.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return NewManager(sm, nil, policy.DefaultSystem(), enq, nil, nil)
}

func TestSpawnDuplicateAgentID(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Spawn(context.Background(), SpawnRequest{AgentID: "worker-1", SessionID: "s1"})
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), SpawnRequest{AgentID: "worker-1", SessionID: "s1"})
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestSpawnTracksDepthAndCapabilities(t *testing.T) {
	m := newTestManager(t, nil)

	parent, err := m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", PermissionLevel: permission.LevelTrusted})
	require.NoError(t, err)
	require.Equal(t, 0, parent.Depth)
	require.NotEmpty(t, parent.Capabilities.AllowedEvents)

	child, err := m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", ParentAgentID: parent.ID, PermissionLevel: permission.LevelStandard})
	require.NoError(t, err)
	require.Equal(t, 1, child.Depth)
}

func TestSpawnEmitsInitialPrompt(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq)

	_, err := m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", InitialPrompt: "begin"})
	require.NoError(t, err)
	require.Len(t, enq.reqs, 1)
	require.Equal(t, "begin", enq.reqs[0].Prompt)
}

func TestSpawnStandardAgent(t *testing.T) {
	m := newTestManager(t, nil)

	a, err := m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", PermissionLevel: permission.LevelStandard})
	require.NoError(t, err)
	require.Equal(t, StatusReady, a.Status)
	require.NotNil(t, a.Sandbox)
	require.Equal(t, permission.LevelStandard, a.PermissionLevel)

	got, ok := m.Status(a.ID)
	require.True(t, ok)
	require.Equal(t, a.ID, got.ID)
}

func TestSpawnChildRejectsPermissionEscalation(t *testing.T) {
	// S6: a restricted parent cannot spawn a researcher-tier child.
	m := newTestManager(t, nil)

	parent, err := m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", PermissionLevel: permission.LevelRestricted})
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), SpawnRequest{
		SessionID:       "s1",
		ParentAgentID:   parent.ID,
		PermissionLevel: permission.LevelResearcher,
	})
	require.ErrorIs(t, err, ErrPermissionEscalation)
}

func TestSpawnChildWithinParentBoundsSucceeds(t *testing.T) {
	m := newTestManager(t, nil)

	parent, err := m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", PermissionLevel: permission.LevelTrusted})
	require.NoError(t, err)

	child, err := m.Spawn(context.Background(), SpawnRequest{
		SessionID:       "s1",
		ParentAgentID:   parent.ID,
		PermissionLevel: permission.LevelStandard,
	})
	require.NoError(t, err)
	require.Contains(t, m.Children(parent.ID), child.ID)
}

func TestTerminateRefusesWithLiveChildrenUnlessForced(t *testing.T) {
	m := newTestManager(t, nil)

	parent, err := m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", PermissionLevel: permission.LevelTrusted})
	require.NoError(t, err)
	_, err = m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", ParentAgentID: parent.ID, PermissionLevel: permission.LevelStandard})
	require.NoError(t, err)

	err = m.Terminate(context.Background(), parent.ID, false)
	require.ErrorIs(t, err, sandbox.ErrHasChildren)

	require.NoError(t, m.Terminate(context.Background(), parent.ID, true))
	_, ok := m.Status(parent.ID)
	require.False(t, ok)
}

func TestSendMessageEnqueuesOnAgentSession(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq)

	a, err := m.Spawn(context.Background(), SpawnRequest{SessionID: "s1", PermissionLevel: permission.LevelStandard})
	require.NoError(t, err)

	_, err = m.SendMessage(context.Background(), SendMessageRequest{AgentID: a.ID, Message: "hi"})
	require.NoError(t, err)
	require.Len(t, enq.reqs, 1)
	require.Equal(t, "s1", enq.reqs[0].SessionID)
	require.Equal(t, "hi", enq.reqs[0].Prompt)
}

func TestSendMessageUnknownAgent(t *testing.T) {
	m := newTestManager(t, &fakeEnqueuer{})
	_, err := m.SendMessage(context.Background(), SendMessageRequest{AgentID: "nope", Message: "hi"})
	require.ErrorIs(t, err, ErrNotFound)
}
