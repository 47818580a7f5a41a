package agentsvc

import (
	"fmt"
	"sort"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/pkg/types"
)

// effectiveCapabilities computes an agent's active capability set: the
// composition's declared baseline, plus any caller-requested capability
// that the spawning parent itself already holds (spec.md §4.6: "computed
// from its composition plus any grants from its parent"). A root agent
// (no parent, i.e. spawned directly by a client) receives every requested
// capability as-is — there is no ancestor to bound it against.
func effectiveCapabilities(compositionCaps, requested []string, parent *types.AgentRecord) []string {
	set := make(map[string]bool, len(compositionCaps)+len(requested))
	for _, c := range compositionCaps {
		set[c] = true
	}
	for _, c := range requested {
		if parent == nil || parent.HasCapability(types.Capability(c)) {
			set[c] = true
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Checker implements router.CapabilityChecker against the agent registry:
// it is the generalization of internal/permission.Checker from
// interactive, per-tool-call approval into the static, spawn-time
// capability grants an agent carries for the rest of its lifetime.
type Checker struct {
	registry *Registry
}

// NewChecker creates a Checker reading agent state from registry.
func NewChecker(registry *Registry) *Checker {
	return &Checker{registry: registry}
}

// Check reports whether agentID holds every capability in required. An
// agent that cannot be found, or that has begun terminating, is denied
// outright.
func (c *Checker) Check(agentID string, required []string) error {
	rec, err := c.registry.Get(agentID)
	if err != nil {
		return fmt.Errorf("agentsvc: capability check: %w", errs.Wrapped(errs.ErrPermissionDenied, err))
	}
	if rec.Status == types.AgentTerminating || rec.Status == types.AgentTerminated {
		return fmt.Errorf("agentsvc: agent %s is %s: %w", agentID, rec.Status, errs.ErrPermissionDenied)
	}
	for _, req := range required {
		if !rec.HasCapability(types.Capability(req)) {
			return fmt.Errorf("agentsvc: agent %s lacks capability %q: %w", agentID, req, errs.ErrPermissionDenied)
		}
	}
	return nil
}
