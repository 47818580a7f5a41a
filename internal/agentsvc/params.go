package agentsvc

// SpawnParams is the body of an agent:spawn event (spec.md §4.6).
type SpawnParams struct {
	Component       string   `json:"component"`
	ParentAgentID   string   `json:"parent_agent_id,omitempty"`
	OrchestrationID string   `json:"orchestration_id,omitempty"`
	InitialPrompt   string   `json:"initial_prompt,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// SendMessageParams is the body of an agent:send_message event.
type SendMessageParams struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

// TerminateParams is the body of an agent:terminate event.
type TerminateParams struct {
	AgentID string `json:"agent_id"`
	Cascade bool   `json:"cascade,omitempty"`
}

// GetParams is the body of an agent:get event.
type GetParams struct {
	AgentID string `json:"agent_id"`
}
