// Package types provides the core data types shared across the daemon:
// events, entities, relationships, requests, sessions, subscriptions and
// compositions.
package types

import "encoding/json"

// Context carries the system-managed provenance of an Event. It is set on
// ingress by the router; handlers may read it but never write it.
type Context struct {
	EventID              string  `json:"event_id"`
	Timestamp            int64   `json:"timestamp"`
	CorrelationID        string  `json:"correlation_id"`
	ParentEventID        string  `json:"parent_event_id,omitempty"`
	RootEventID          string  `json:"root_event_id"`
	Depth                int     `json:"depth"`
	AgentID              string  `json:"agent_id,omitempty"`
	ClientID             string  `json:"client_id,omitempty"`
	OrchestrationID      string  `json:"orchestration_id,omitempty"`
	OrchestrationDepth   int     `json:"orchestration_depth,omitempty"`
	RootOrchestrationID  string  `json:"root_orchestration_id,omitempty"`
}

// Event is the universal message dispatched through the router.
type Event struct {
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Context Context         `json:"context"`
}

// Clone returns a deep-enough copy of an event for safe reuse across
// concurrent subscribers (the Data slice is shared but never mutated after
// dispatch, so a shallow copy of the struct is sufficient).
func (e Event) Clone() Event {
	return Event{Name: e.Name, Data: e.Data, Context: e.Context}
}

// ErrorKind enumerates the taxonomy of error kinds the router and
// completion service may surface. See internal/errs for the canonical
// sentinel errors that map to these kinds.
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindNotFound        ErrorKind = "not_found"
	KindConflict        ErrorKind = "conflict"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindCapacity        ErrorKind = "capacity"
	KindTimeout         ErrorKind = "timeout"
	KindCancelled       ErrorKind = "cancelled"
	KindProviderError   ErrorKind = "provider_error"
	KindIO              ErrorKind = "io"
	KindInternal        ErrorKind = "internal"

	// KindRestartAbandoned classifies a request whose session lock was
	// still held on disk when the daemon started: the in-process lock
	// token always starts free (internal/tracker never persists a token,
	// only the holder/expiry bookkeeping), so a persisted holder found at
	// startup can only belong to a request the previous process never
	// finished.
	KindRestartAbandoned ErrorKind = "restart_abandoned"
)

// ErrorPayload is the data of an `error` event, and the body of a wire-level
// error frame.
type ErrorPayload struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	Retryable     bool      `json:"retryable"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}
