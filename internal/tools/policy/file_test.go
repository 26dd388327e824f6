package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const capabilityYAML = `
capabilities:
  health:
    events: ["system:health", "system:help"]
  state_read:
    events: ["state:get", "state:list"]
mixins:
  observability:
    dependencies: ["health"]
    additional_events: ["monitor:get_events"]
claude_tools:
  readonly: ["read", "grep"]
profiles:
  watcher:
    capabilities: ["state_read"]
    mixins: ["observability"]
    claude_tools: ["readonly"]
`

func TestLoadSystemFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ksi_capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(capabilityYAML), 0o644))

	s, err := LoadSystemFile(path)
	require.NoError(t, err)

	resolved, err := s.Resolve("watcher")
	require.NoError(t, err)
	require.Contains(t, resolved.AllowedEvents, "state:get")
	require.Contains(t, resolved.AllowedEvents, "system:health")    // via mixin dependency
	require.Contains(t, resolved.AllowedEvents, "monitor:get_events") // mixin additional
	require.Equal(t, []string{"grep", "read"}, resolved.AllowedTools)
}

func TestLoadSystemFileMissingFallsBackToDefaults(t *testing.T) {
	s, err := LoadSystemFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	_, err = s.Resolve("orchestrator")
	require.NoError(t, err)
}

func TestResolutionIsOrderIndependent(t *testing.T) {
	s := DefaultSystem()
	a, err := s.Resolve("coordinator")
	require.NoError(t, err)
	b, err := s.Resolve("coordinator")
	require.NoError(t, err)
	require.Equal(t, a.AllowedEvents, b.AllowedEvents)
	require.Equal(t, a.AllowedTools, b.AllowedTools)
}
