package types

// AgentStatus is the lifecycle state of a spawned agent (spec.md §4.6):
// spawning -> ready -> running -> {idle|running} -> terminating -> terminated.
type AgentStatus string

const (
	AgentSpawning    AgentStatus = "spawning"
	AgentReady       AgentStatus = "ready"
	AgentRunning     AgentStatus = "running"
	AgentIdle        AgentStatus = "idle"
	AgentTerminating AgentStatus = "terminating"
	AgentTerminated  AgentStatus = "terminated"
)

// Capability is a named right an agent may hold, granted by its
// composition or by its parent at spawn time.
type Capability string

const (
	CapSpawnAgents   Capability = "spawn_agents"
	CapOrchestrate   Capability = "orchestrate"
	CapStateWrite    Capability = "state_write"
	CapCompletionAny Capability = "completion.any"
)

// AgentRecord is the durable state of one spawned agent, stored as the
// properties of an EntityAgent node in the graph store.
type AgentRecord struct {
	AgentID         string      `json:"agent_id"`
	ParentAgentID   string      `json:"parent_agent_id,omitempty"`
	OrchestrationID string      `json:"orchestration_id,omitempty"`
	Component       string      `json:"component"`
	SessionID       string      `json:"session_id,omitempty"`
	SandboxID       string      `json:"sandbox_id"`
	SandboxPath     string      `json:"sandbox_path"`
	Status          AgentStatus `json:"status"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	CreatedAt       int64       `json:"created_at"`
	UpdatedAt       int64       `json:"updated_at"`
}

// HasCapability reports whether cap is present in the agent's active set.
func (a *AgentRecord) HasCapability(cap Capability) bool {
	for _, c := range a.Capabilities {
		if c == string(cap) {
			return true
		}
	}
	return false
}
