package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ksid.yaml", "version: 1\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "var/run/daemon.sock", cfg.Socket.Path)
	require.Equal(t, 4096, cfg.EventLog.ReferenceThreshold)
	require.Equal(t, 10, cfg.CircuitBreak.MaxDepth)
	require.Equal(t, 5*time.Minute, cfg.Completion.RequestTimeout)
	require.True(t, cfg.Sandbox.Enabled)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "version: 1\nlogging:\n  level: debug\n  format: text\n")
	path := writeFile(t, dir, "ksid.yaml", "$include: base.yaml\nlogging:\n  level: warn\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	// Including file wins on conflicts; non-conflicting keys survive.
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := filepath.Join(dir, "a.yaml")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\nversion: 1\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "includes itself")
}

func TestLoadJSON5Fragment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "override.json5", "{\n  // tuning override\n  event_log: {batch_size: 5},\n}\n")
	path := writeFile(t, dir, "ksid.yaml", "version: 1\n$include: override.json5\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.EventLog.BatchSize)
}

func TestEnvOverridesWin(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ksid.yaml", "version: 1\nsocket:\n  path: /tmp/from-file.sock\n")

	t.Setenv("KSI_SOCKET_PATH", "/tmp/from-env.sock")
	t.Setenv("KSI_EVENT_BATCH_SIZE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-env.sock", cfg.Socket.Path)
	require.Equal(t, 7, cfg.EventLog.BatchSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ksid.yaml", "version: 1\nsoket:\n  path: /tmp/x.sock\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateVersion(t *testing.T) {
	require.NoError(t, ValidateVersion(CurrentVersion))
	require.Error(t, ValidateVersion(0))
	require.Error(t, ValidateVersion(CurrentVersion+1))

	var ve *VersionError
	require.ErrorAs(t, ValidateVersion(CurrentVersion+1), &ve)
	require.Contains(t, ve.Error(), "newer")
}
