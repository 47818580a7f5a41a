package composition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestResolve_AppliesExtendsAndMixins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
name: base
component_type: behavior
capabilities: [state_write]
vars:
  tone: terse
body:
  instructions: "be {{.tone}}"
`)
	writeFile(t, dir, "helper.yaml", `
name: helper
component_type: behavior
capabilities: [completion.any]
body:
  helper_note: "always available"
`)
	writeFile(t, dir, "reviewer.yaml", `
name: reviewer
component_type: profile
extends: base
mixins: [helper]
capabilities: [orchestrate]
vars:
  tone: direct
body:
  role: reviewer
`)

	l := NewLoader(dir)
	require.NoError(t, l.LoadAll())

	comp, err := l.Resolve("reviewer")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"orchestrate", "state_write", "completion.any"}, comp.Capabilities)
	assert.Equal(t, "be direct", comp.Body["instructions"])
	assert.Equal(t, "always available", comp.Body["helper_note"])
	assert.Equal(t, "reviewer", comp.Body["role"])
}

func TestResolve_DetectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "name: a\ncomponent_type: profile\nextends: b\n")
	writeFile(t, dir, "b.yaml", "name: b\ncomponent_type: profile\nextends: a\n")

	l := NewLoader(dir)
	require.NoError(t, l.LoadAll())

	_, err := l.Resolve("a")
	require.Error(t, err)
}

func TestResolve_UndeclaredVarFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "leaky.yaml", `
name: leaky
component_type: profile
body:
  greeting: "hi {{.name}}"
`)

	l := NewLoader(dir)
	require.NoError(t, l.LoadAll())

	_, err := l.Resolve("leaky")
	require.Error(t, err, "a template reference to an undeclared var must fail, not render <no value>")
}

func TestResolve_MarkdownFrontmatterAndBody(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "greeter.md", "---\nname: greeter\ncomponent_type: behavior\nvars:\n  audience: world\n---\nHello, {{.audience}}!\n")

	l := NewLoader(dir)
	require.NoError(t, l.LoadAll())

	comp, err := l.Resolve("greeter")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", comp.Body["content"])
}

func TestLoadAll_MissingRootIsNotAnError(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, l.LoadAll())
	assert.Empty(t, l.Names())
}

func TestIndex_RebuildAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "worker.yaml", `
name: worker
component_type: profile
capabilities: [spawn_agents]
body:
  role: worker
`)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	l := NewLoader(dir)
	ix := NewIndex(l, st)

	count, err := ix.Rebuild()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	first, err := ix.Get("worker")
	require.NoError(t, err)

	count, err = ix.Rebuild()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	second, err := ix.Get("worker")
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-indexing an unchanged component yields the same canonical form")
	assert.Equal(t, types.CompositionProfile, second.Kind)
}
