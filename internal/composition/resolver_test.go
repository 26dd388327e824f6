package composition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	byName map[string]*Composition
}

func (f *fakeSource) LoadByName(name string, kind Kind) (*Composition, error) {
	c, ok := f.byName[name]
	if !ok {
		return nil, errNotFound(name)
	}
	return c, nil
}

type notFoundErr string

func (e notFoundErr) Error() string { return string(e) + ": not found" }
func errNotFound(name string) error { return notFoundErr(name) }

func TestResolveConditionGatesComponent(t *testing.T) {
	c := &Composition{
		Name: "verbose_persona",
		Type: KindPersona,
		Variables: map[string]VariableSpec{
			"verbose": {Default: false},
		},
		Components: []Component{
			{Name: "extra", Condition: "verbose", Inline: map[string]any{"text": "extra detail"}},
			{Name: "base", Inline: map[string]any{"text": "base"}},
		},
	}
	src := &fakeSource{byName: map[string]*Composition{}}
	r := NewResolver(src)

	resolved, err := r.Resolve(c, map[string]any{})
	require.NoError(t, err)
	require.NotContains(t, resolved, "extra")
	require.Contains(t, resolved, "base")

	resolved, err = r.Resolve(c, map[string]any{"verbose": true})
	require.NoError(t, err)
	require.Contains(t, resolved, "extra")
}

func TestResolveIsPure(t *testing.T) {
	c := &Composition{
		Name: "p",
		Type: KindPersona,
		Components: []Component{
			{Name: "greeting", Template: "hello {{name}}"},
		},
	}
	src := &fakeSource{byName: map[string]*Composition{}}
	r := NewResolver(src)

	a, err := r.Resolve(c, map[string]any{"name": "ada"})
	require.NoError(t, err)
	b, err := r.Resolve(c, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.Equal(t, a["greeting"], b["greeting"])
	require.Equal(t, "hello ada", a["greeting"])
}

func TestResolveDetectsExtendsCycle(t *testing.T) {
	a := &Composition{Name: "a", Type: KindPersona, Extends: "b"}
	b := &Composition{Name: "b", Type: KindPersona, Extends: "a"}
	src := &fakeSource{byName: map[string]*Composition{"a": a, "b": b}}
	r := NewResolver(src)

	_, err := r.Resolve(a, nil)
	require.Error(t, err)
	var cycleErr *ErrCycle
	require.ErrorAs(t, err, &cycleErr)
}

func TestResolveMixinMapsDeepMergeLastWins(t *testing.T) {
	base := &Composition{
		Name: "base_mixin",
		Type: KindPersona,
		Components: []Component{
			{Name: "cfg", Inline: map[string]any{"a": "1", "b": "1"}},
		},
	}
	override := &Composition{
		Name: "override_mixin",
		Type: KindPersona,
		Components: []Component{
			{Name: "cfg", Inline: map[string]any{"b": "2"}},
		},
	}
	c := &Composition{
		Name:   "combined",
		Type:   KindPersona,
		Mixins: []string{"base_mixin", "override_mixin"},
	}
	src := &fakeSource{byName: map[string]*Composition{"base_mixin": base, "override_mixin": override}}
	r := NewResolver(src)

	resolved, err := r.Resolve(c, nil)
	require.NoError(t, err)
	cfg := resolved["cfg"].(map[string]any)
	require.Equal(t, "1", cfg["a"])
	require.Equal(t, "2", cfg["b"])
}
