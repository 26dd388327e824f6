package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type pingParams struct {
	SessionID string `json:"session_id"`
}

func TestDiscoverGroupsHandlersByNamespace(t *testing.T) {
	reg := NewRegistry()
	Register(reg, "system:health", "system", "liveness check", nil)
	Register(reg, "completion:async", "completion", "enqueue a completion", pingParams{})

	cache, err := OpenCache(filepath.Join(t.TempDir(), "discovery_cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	svc := NewService(reg, cache, nil)
	out, err := svc.Discover(context.Background())
	require.NoError(t, err)

	namespaces, ok := out["namespaces"].([]namespaceSummary)
	require.True(t, ok)
	require.Len(t, namespaces, 2)
}

func TestDiscoverServesFromCacheUntilRegistryChanges(t *testing.T) {
	reg := NewRegistry()
	Register(reg, "system:health", "system", "liveness check", nil)

	cache, err := OpenCache(filepath.Join(t.TempDir(), "discovery_cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	svc := NewService(reg, cache, nil)
	first, err := svc.Discover(context.Background())
	require.NoError(t, err)
	firstHash := first["hash"]

	second, err := svc.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, firstHash, second["hash"])

	Register(reg, "system:help", "system", "list events", nil)
	third, err := svc.Discover(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, firstHash, third["hash"])
}

func TestDescribeReturnsRegisteredSpec(t *testing.T) {
	reg := NewRegistry()
	Register(reg, "completion:async", "completion", "enqueue a completion", pingParams{})

	svc := NewService(reg, nil, nil)
	spec, ok := svc.Describe("completion:async")
	require.True(t, ok)
	require.Equal(t, "completion", spec.Namespace)
	require.NotNil(t, spec.Schema)

	_, ok = svc.Describe("missing:event")
	require.False(t, ok)
}
