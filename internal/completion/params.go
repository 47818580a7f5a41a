package completion

// Message is one turn of a conversation supplied to completion:async
// instead of a plain prompt string.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries the optional generation parameters completion:async may
// override per request.
type Options struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// AsyncParams is the body of a completion:async event (spec.md §4.5).
type AsyncParams struct {
	RequestID string    `json:"request_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Options   *Options  `json:"options,omitempty"`
}

// CancelParams is the body of a completion:cancel event.
type CancelParams struct {
	RequestID string `json:"request_id"`
}

// SessionStatusParams is the body of a completion:session_status event.
type SessionStatusParams struct {
	SessionID string `json:"session_id"`
}

// requestPayload is the part of AsyncParams that must survive past the
// handler's return (model, prompt/messages, options), persisted under the
// key named by types.Request.PromptRef so a worker picking the request up
// later (possibly after a restart) can rebuild the provider call.
type requestPayload struct {
	Prompt   string    `json:"prompt,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Options  *Options  `json:"options,omitempty"`
}
