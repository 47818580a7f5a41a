package types

// CompositionKind distinguishes the four declarative bundle types
// (spec.md §3 "Composition").
type CompositionKind string

const (
	CompositionProfile      CompositionKind = "profile"
	CompositionBehavior     CompositionKind = "behavior"
	CompositionPattern      CompositionKind = "pattern"
	CompositionTransformers CompositionKind = "transformer_set"
)

// CompositionRef names a versioned composition by (name, version).
type CompositionRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"` // empty means "latest"
}

// Composition is the fully-resolved (inheritance and mixins applied)
// result of loading a component definition.
type Composition struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Kind         CompositionKind `json:"component_type"`
	Extends      string          `json:"extends,omitempty"`
	Mixins       []string        `json:"mixins,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Vars         map[string]any  `json:"vars,omitempty"`
	Body         map[string]any  `json:"body"`
	SourcePath   string          `json:"source_path"`
}
