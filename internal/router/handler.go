package router

import (
	"context"
	"encoding/json"

	"github.com/ksi-dev/ksid/pkg/types"
)

// ParamSchema is a declarative JSON-schema-shaped description of a
// handler's input, used both to validate dispatched events (future work)
// and to answer system:discover/system:help without reflection.
type ParamSchema map[string]any

// Handler processes one event and returns its result payload, or an error.
// Handlers never see or set provenance fields on ctx.Context; the router
// owns those.
type Handler func(ctx context.Context, ev types.Event) (json.RawMessage, error)

// Registration is one named handler entry in a Registry.
type Registration struct {
	Name         string
	Schema       ParamSchema
	Capabilities []string
	Handler      Handler
}
