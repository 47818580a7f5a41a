package orchestration

import (
	"encoding/json"
	"fmt"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/pkg/types"
)

// patternAgentSpec names one agent a pattern spawns when started.
type patternAgentSpec struct {
	Component     string   `json:"component"`
	ParentName    string   `json:"parent,omitempty"` // references another entry's Component, for nested parenting
	Capabilities  []string `json:"capabilities,omitempty"`
	InitialPrompt string   `json:"initial_prompt,omitempty"`
}

// patternBody is the shape orchestration:start expects a
// types.CompositionPattern's Body to decode into. internal/composition
// (C8) checks only a component's component_type at load time; this shape
// is checked by decodePattern when the pattern is started.
type patternBody struct {
	Agents                 []patternAgentSpec `json:"agents"`
	EventSubscriptionLevel *int               `json:"event_subscription_level,omitempty"`
	ErrorSubscriptionLevel *int               `json:"error_subscription_level,omitempty"`
}

// decodePattern re-marshals a Composition's generic Body (the same
// map[string]any shape internal/composition produces from parsed
// YAML/Markdown) into the structured fields orchestration:start needs.
func decodePattern(comp *types.Composition) (patternBody, error) {
	if comp.Kind != types.CompositionPattern {
		return patternBody{}, fmt.Errorf("orchestration: composition %s is not a pattern (kind %s): %w", comp.Name, comp.Kind, errs.ErrInvalidArgument)
	}
	data, err := json.Marshal(comp.Body)
	if err != nil {
		return patternBody{}, fmt.Errorf("orchestration: encode pattern body: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	var pb patternBody
	if err := json.Unmarshal(data, &pb); err != nil {
		return patternBody{}, fmt.Errorf("orchestration: decode pattern body: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if len(pb.Agents) == 0 {
		return patternBody{}, fmt.Errorf("orchestration: pattern %s declares no agents: %w", comp.Name, errs.ErrInvalidArgument)
	}
	return pb, nil
}
