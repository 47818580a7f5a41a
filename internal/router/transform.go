package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/ksi-dev/ksid/pkg/types"
)

// Transformer is a declarative routing rule: on every event matching
// Source, when Condition renders to "true", synthesize a new event named
// Target whose data is produced by rendering Mapping.
//
// Condition and Mapping are both text/template strings evaluated against
// {{.Data}} (the decoded event payload) and {{.Context}}, the same
// template-over-a-map technique internal/command/executor.go already uses
// for its prompt templates.
type Transformer struct {
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	Condition string `yaml:"condition,omitempty"`
	Mapping   string `yaml:"mapping"`
	Async     bool   `yaml:"async,omitempty"`
}

// transformerFile is the on-disk shape of a transformer set.
type transformerFile struct {
	Transformers []Transformer `yaml:"transformers"`
}

// TransformerSet holds the router's active, hot-swappable transformer
// rules. The zero value has no rules.
type TransformerSet struct {
	rules atomic.Pointer[[]Transformer]
}

// LoadTransformers parses and validates a YAML transformer file without
// installing it, so a caller can validate before swapping.
func LoadTransformers(path string) ([]Transformer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: read transformer file: %w", err)
	}

	var parsed transformerFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("router: parse transformer file: %w", err)
	}

	for i, t := range parsed.Transformers {
		if t.Source == "" || t.Target == "" {
			return nil, fmt.Errorf("router: transformer %d: source and target are required", i)
		}
		if _, err := doublestar.Match(t.Source, "probe"); err != nil {
			return nil, fmt.Errorf("router: transformer %d: invalid source pattern %q: %w", i, t.Source, err)
		}
		if t.Mapping != "" {
			if _, err := template.New("mapping").Parse(t.Mapping); err != nil {
				return nil, fmt.Errorf("router: transformer %d: invalid mapping template: %w", i, err)
			}
		}
		if t.Condition != "" {
			if _, err := template.New("condition").Parse(t.Condition); err != nil {
				return nil, fmt.Errorf("router: transformer %d: invalid condition template: %w", i, err)
			}
		}
	}

	return parsed.Transformers, nil
}

// Swap atomically replaces the active rule set. Safe to call concurrently
// with Match from dispatching goroutines.
func (s *TransformerSet) Swap(rules []Transformer) {
	s.rules.Store(&rules)
}

// Match returns every installed transformer whose Source matches name.
func (s *TransformerSet) Match(name string) []Transformer {
	p := s.rules.Load()
	if p == nil {
		return nil
	}
	var matched []Transformer
	for _, t := range *p {
		if ok, _ := doublestar.Match(t.Source, name); ok {
			matched = append(matched, t)
		}
	}
	return matched
}

// templateScope is the value transformer templates render against.
type templateScope struct {
	Data    any
	Context types.Context
}

// Apply renders a transformer's condition and mapping against ev, returning
// (synthesized event data, fires bool, err). fires is false when Condition
// is present and does not render to "true".
func Apply(t Transformer, ev types.Event) (json.RawMessage, bool, error) {
	var decoded any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &decoded); err != nil {
			return nil, false, fmt.Errorf("router: decode event data for transform: %w", err)
		}
	}
	scope := templateScope{Data: decoded, Context: ev.Context}

	if t.Condition != "" {
		rendered, err := renderTemplate(t.Condition, scope)
		if err != nil {
			return nil, false, err
		}
		if rendered != "true" {
			return nil, false, nil
		}
	}

	rendered, err := renderTemplate(t.Mapping, scope)
	if err != nil {
		return nil, false, err
	}

	return json.RawMessage(rendered), true, nil
}

func renderTemplate(tmplStr string, scope templateScope) (string, error) {
	tmpl, err := template.New("rule").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("router: parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, scope); err != nil {
		return "", fmt.Errorf("router: execute template: %w", err)
	}
	return buf.String(), nil
}
