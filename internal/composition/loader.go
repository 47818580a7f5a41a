package composition

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Loader reads component definitions from a directory tree and resolves
// their extends/mixins chains into fully-merged, variable-substituted
// types.Composition values. Content is immutable at runtime once loaded;
// LoadAll must be called again (explicitly, e.g. via composition:rebuild_index)
// to pick up filesystem changes.
type Loader struct {
	root string

	mu       sync.RWMutex
	raw      map[string]*rawComponent
	resolved map[string]*types.Composition
}

// NewLoader creates a Loader reading component files under root.
func NewLoader(root string) *Loader {
	return &Loader{root: root, raw: make(map[string]*rawComponent), resolved: make(map[string]*types.Composition)}
}

// LoadAll walks root for .yaml/.yml/.md files and parses each into a raw,
// unresolved component definition, discarding any previously resolved
// cache (spec.md: "Content is immutable at runtime: reload is explicit").
func (l *Loader) LoadAll() error {
	if _, err := os.Stat(l.root); os.IsNotExist(err) {
		l.mu.Lock()
		l.raw = make(map[string]*rawComponent)
		l.resolved = make(map[string]*types.Composition)
		l.mu.Unlock()
		return nil
	}

	raw := make(map[string]*rawComponent)

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml", ".md":
		default:
			return nil
		}

		rc, err := parseFile(path)
		if err != nil {
			return err
		}
		if rc.Kind == "" {
			return fmt.Errorf("composition: %s declares no component_type: %w", path, errs.ErrInvalidArgument)
		}
		if !validKind(rc.Kind) {
			return fmt.Errorf("composition: %s has unknown component_type %q: %w", path, rc.Kind, errs.ErrInvalidArgument)
		}
		raw[rc.Name] = rc
		return nil
	})
	if err != nil {
		return fmt.Errorf("composition: load %s: %w", l.root, err)
	}

	l.mu.Lock()
	l.raw = raw
	l.resolved = make(map[string]*types.Composition)
	l.mu.Unlock()
	return nil
}

func validKind(k types.CompositionKind) bool {
	switch k {
	case types.CompositionProfile, types.CompositionBehavior, types.CompositionPattern, types.CompositionTransformers:
		return true
	default:
		return false
	}
}

// Names returns every component name LoadAll discovered.
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.raw))
	for name := range l.raw {
		out = append(out, name)
	}
	return out
}

// Resolve returns the fully-merged, variable-substituted composition
// named name, resolving and caching it on first access. Implements the
// CompositionLoader interface internal/agentsvc and internal/orchestration
// each declare independently.
func (l *Loader) Resolve(name string) (*types.Composition, error) {
	l.mu.RLock()
	if c, ok := l.resolved[name]; ok {
		l.mu.RUnlock()
		return c, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.resolved[name]; ok {
		return c, nil
	}
	c, err := l.resolveLocked(name, make(map[string]bool))
	if err != nil {
		return nil, err
	}
	substituted, err := substituteVars(c.Body, c.Vars)
	if err != nil {
		return nil, fmt.Errorf("composition: substitute vars for %s: %w", name, err)
	}
	c.Body = substituted
	l.resolved[name] = c
	return c, nil
}

// resolveLocked merges name's extends chain (ancestor first) and mixins
// (applied after extends, in declared order); Resolve then substitutes
// variables once over the fully merged body and vars. visited guards against extends/mixin cycles, matching internal/config's
// layered mergeConfig but walking a named graph instead of a fixed
// global->project->env chain.
func (l *Loader) resolveLocked(name string, visited map[string]bool) (*types.Composition, error) {
	if visited[name] {
		return nil, fmt.Errorf("composition: cycle detected resolving %s: %w", name, errs.ErrInvalidArgument)
	}
	visited[name] = true

	rc, ok := l.raw[name]
	if !ok {
		return nil, fmt.Errorf("composition: %s: %w", name, errs.ErrNotFound)
	}

	merged := &types.Composition{
		Name:       rc.Name,
		Version:    rc.Version,
		Kind:       rc.Kind,
		Extends:    rc.Extends,
		Mixins:     rc.Mixins,
		Vars:       map[string]any{},
		Body:       map[string]any{},
		SourcePath: rc.SourcePath,
	}

	if rc.Extends != "" {
		parent, err := l.resolveLocked(rc.Extends, visited)
		if err != nil {
			return nil, err
		}
		mergeComposition(merged, parent)
	}
	for _, mixinName := range rc.Mixins {
		mixin, err := l.resolveLocked(mixinName, visited)
		if err != nil {
			return nil, err
		}
		mergeComposition(merged, mixin)
	}

	for k, v := range rc.Vars {
		merged.Vars[k] = v
	}
	for _, c := range rc.Capabilities {
		merged.Capabilities = appendUnique(merged.Capabilities, c)
	}
	for k, v := range rc.Body {
		merged.Body[k] = v
	}

	return merged, nil
}

// mergeComposition layers ancestor's capabilities/vars/body under child's
// own (child-declared values win), the same "source fills gaps in target"
// direction internal/config.mergeConfig uses.
func mergeComposition(child, ancestor *types.Composition) {
	for _, c := range ancestor.Capabilities {
		child.Capabilities = appendUnique(child.Capabilities, c)
	}
	for k, v := range ancestor.Vars {
		if _, exists := child.Vars[k]; !exists {
			child.Vars[k] = v
		}
	}
	for k, v := range ancestor.Body {
		if _, exists := child.Body[k]; !exists {
			child.Body[k] = v
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// substituteVars walks body's string leaves, rendering each as a
// text/template against vars. Any reference to a key not present in vars
// fails the render (Option "missingkey=error") rather than silently
// producing "<no value>", implementing spec.md's "declared, closed set of
// interpolations" — the same template engine internal/command/executor.go
// uses, scoped here to the composition's own declared vars instead of the
// executor's open args/env/workDir context.
func substituteVars(body map[string]any, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(body))
	for k, v := range body {
		rendered, err := substituteValue(v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func substituteValue(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return renderTemplate(val, vars)
	case map[string]any:
		return substituteVars(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := substituteValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderTemplate(s string, vars map[string]any) (string, error) {
	tmpl, err := template.New("composition").Option("missingkey=error").Parse(s)
	if err != nil {
		return "", errs.Wrapped(errs.ErrInvalidArgument, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("undeclared variable reference: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	return buf.String(), nil
}
