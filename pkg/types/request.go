package types

// RequestStatus is the lifecycle state of an outstanding completion request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestActive    RequestStatus = "active"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

// Request is one outstanding (or completed) completion request. SessionID
// is never invented by the daemon; it starts empty and is adopted only once
// the provider returns one (see internal/tracker).
type Request struct {
	RequestID   string        `json:"request_id"`
	AgentID     string        `json:"agent_id,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Status      RequestStatus `json:"status"`
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	PromptRef   string        `json:"prompt_ref"`
	RetryCount  int           `json:"retry_count"`
	FailureKind ErrorKind     `json:"failure_kind,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`

	// Context is the causal Context of the completion:async dispatch that
	// created this request, persisted so every later progress/result/error/
	// cancelled event the drain goroutine emits (possibly well after the
	// dispatch returned, even across a restart) can still derive a proper
	// child Context from it via Router.EmitChild.
	Context Context `json:"context"`
}

// SessionLockInfo describes the holder of a session's exclusivity lock.
type SessionLockInfo struct {
	HolderRequestID string `json:"holder_request_id"`
	ExpiresAt       int64  `json:"expires_at"`
}

// SessionMeta is metadata about one real, provider-minted conversation.
type SessionMeta struct {
	SessionID    string           `json:"session_id"`
	AgentID      string           `json:"agent_id,omitempty"`
	LastActivity int64            `json:"last_activity"`
	Lock         *SessionLockInfo `json:"lock,omitempty"`
}
