package router

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ksi-dev/ksid/pkg/types"
)

// newEventID mints a sortable, prefix-free event id. Grounded on the
// teacher's internal/permission use of ulid for request ids.
func newEventID() string {
	return ulid.Make().String()
}

// buildContext computes the provenance of a new event dispatched in
// response to parent (nil for a client-originated, root event). Handlers
// never construct a Context themselves; the router always does.
func buildContext(parent *types.Context, agentID, clientID string) types.Context {
	ctx := types.Context{
		EventID:   newEventID(),
		Timestamp: time.Now().UnixMilli(),
		AgentID:   agentID,
		ClientID:  clientID,
	}

	if parent == nil {
		ctx.CorrelationID = ctx.EventID
		ctx.RootEventID = ctx.EventID
		ctx.Depth = 0
		return ctx
	}

	ctx.CorrelationID = parent.CorrelationID
	ctx.ParentEventID = parent.EventID
	ctx.RootEventID = parent.RootEventID
	ctx.Depth = parent.Depth + 1
	ctx.OrchestrationID = parent.OrchestrationID
	ctx.OrchestrationDepth = parent.OrchestrationDepth
	ctx.RootOrchestrationID = parent.RootOrchestrationID
	if ctx.AgentID == "" {
		ctx.AgentID = parent.AgentID
	}
	if ctx.ClientID == "" {
		ctx.ClientID = parent.ClientID
	}
	return ctx
}
