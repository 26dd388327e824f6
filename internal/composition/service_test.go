package composition

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	loader := NewLoader(t.TempDir())
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"), loader)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return NewService(loader, idx)
}

func TestServiceCreateThenComposeRoundTrip(t *testing.T) {
	svc := newTestService(t)

	decl := map[string]any{
		"name": "greeting",
		"type": "component",
		"components": []any{
			map[string]any{"name": "body", "template": "hello {{who}}"},
		},
		"variables": map[string]any{
			"who": map[string]any{"default": "world"},
		},
	}

	path, err := svc.Create(decl, false)
	require.NoError(t, err)
	require.FileExists(t, path)

	resolved, err := svc.Compose("greeting", KindComponent, nil)
	require.NoError(t, err)
	require.Equal(t, "hello world", resolved["body"])

	resolved, err = svc.Compose("greeting", KindComponent, map[string]any{"who": "ksi"})
	require.NoError(t, err)
	require.Equal(t, "hello ksi", resolved["body"])
}

func TestServiceCreateRefusesDuplicate(t *testing.T) {
	svc := newTestService(t)

	decl := map[string]any{"name": "dup", "type": "component"}
	_, err := svc.Create(decl, false)
	require.NoError(t, err)

	_, err = svc.Create(decl, false)
	require.ErrorContains(t, err, "already exists")

	_, err = svc.Create(decl, true)
	require.NoError(t, err)
}

func TestServiceValidateRejectsBadDeclarations(t *testing.T) {
	svc := newTestService(t)

	require.Error(t, svc.Validate(map[string]any{"type": "component"}))
	require.Error(t, svc.Validate(map[string]any{"name": "x", "type": "nonsense"}))
	require.NoError(t, svc.Validate(map[string]any{"name": "x", "type": "persona"}))
}

func TestServiceValidateCatchesUnresolvableDeclaration(t *testing.T) {
	svc := newTestService(t)

	// Schema-valid but referencing a missing parent: ResolveDecl fails.
	decl := map[string]any{"name": "orphan", "type": "component", "extends": "missing-parent"}
	require.NoError(t, svc.Validate(decl))
	_, err := svc.ResolveDecl(decl, nil)
	require.Error(t, err)
}
