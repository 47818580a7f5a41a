package types

// SubscriptionScopeKind distinguishes the breadth of a subscription.
type SubscriptionScopeKind string

const (
	ScopeGlobal               SubscriptionScopeKind = "global"
	ScopeOrchestrationSubtree SubscriptionScopeKind = "orchestration_subtree"
	ScopeSingleAgent          SubscriptionScopeKind = "single_agent"
)

// SubscriptionScope narrows a subscription to a subtree or single agent.
type SubscriptionScope struct {
	Kind            SubscriptionScopeKind `json:"kind"`
	OrchestrationID string                `json:"orchestration_id,omitempty"`
	AgentID         string                `json:"agent_id,omitempty"`
	MaxDepth        int                   `json:"max_depth,omitempty"` // -1 = unbounded
}

// SubscriptionSpec is the client-supplied description of a subscription;
// the concrete delivery writer is attached by the transport layer.
type SubscriptionSpec struct {
	SubscriberID string            `json:"subscriber_id"`
	Patterns     []string          `json:"patterns"`
	Scope        SubscriptionScope `json:"scope"`
	Filters      map[string]any    `json:"filters,omitempty"`
}
