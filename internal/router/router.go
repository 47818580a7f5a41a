// Package router is the daemon's event router: a handler registry,
// dispatch pipeline with correlation/context propagation, declarative
// transformers, a durable event log, and glob-based subscription fan-out.
//
// It is the direct generalization of the teacher's internal/event
// package: Bus.Publish/PublishSync become Router.Dispatch. The Router
// still constructs a watermill gochannel, but nothing publishes to it:
// subscription fan-out goes through this package's own subscription
// registry.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Router dispatches named events to registered handlers, appending every
// dispatched event to the durable log before the dispatch completes, and
// fanning the resulting event out to matching subscriptions.
type Router struct {
	store *store.Store
	log   zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Registration

	transformers *TransformerSet
	subs         *subscriptionRegistry

	pubsub *gochannel.GoChannel

	capabilities CapabilityChecker
	scope        ScopeChecker

	version atomic.Uint64
}

// CapabilityChecker authorizes an agent-originated dispatch against a
// handler's declared capability requirements. internal/agentsvc supplies
// the concrete implementation; the router only depends on this interface
// to avoid an import cycle.
type CapabilityChecker interface {
	Check(agentID string, required []string) error
}

// SetCapabilityChecker installs cc as the router's capability gate. Events
// dispatched with an empty agentID (client-originated) are never checked.
func (r *Router) SetCapabilityChecker(cc CapabilityChecker) {
	r.capabilities = cc
}

// SetScopeChecker installs sc as the router's orchestration-subtree
// resolver for scoped subscriptions created via SubscribeScoped. Without
// one, a subscription scoped to orchestration_subtree never matches
// anything (fails closed rather than silently behaving as global).
func (r *Router) SetScopeChecker(sc ScopeChecker) {
	r.scope = sc
}

// New creates a Router backed by st. st may be nil for tests that only
// exercise handler dispatch without durability.
func New(st *store.Store) *Router {
	return &Router{
		store:        st,
		log:          logging.For("router"),
		handlers:     make(map[string]Registration),
		transformers: &TransformerSet{},
		subs:         newSubscriptionRegistry(),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
	}
}

// Register adds a handler under name. Re-registering a name replaces the
// previous handler, matching the discovery cache's re-registration
// invalidation contract in internal/discovery.
func (r *Router) Register(name string, schema ParamSchema, capabilities []string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = Registration{Name: name, Schema: schema, Capabilities: capabilities, Handler: fn}
	r.version.Add(1)
	r.log.Debug().Str("event", name).Msg("handler registered")
}

// Version returns a counter incremented on every Register call, so
// internal/discovery can invalidate its cache on re-registration instead
// of a file-mtime key (handlers are registered in Go code, not loaded
// from disk).
func (r *Router) Version() uint64 {
	return r.version.Load()
}

// Handlers returns a snapshot of every registered handler, for
// internal/discovery.
func (r *Router) Handlers() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.handlers))
	for _, reg := range r.handlers {
		out = append(out, reg)
	}
	return out
}

// Transformers exposes the router's hot-swappable transformer set so
// internal/composition (or a config-reload path) can install new rules.
func (r *Router) Transformers() *TransformerSet {
	return r.transformers
}

// Subscribe registers a new bounded, globally-scoped subscription matching
// any of patterns. Equivalent to SubscribeScoped with a global scope.
func (r *Router) Subscribe(patterns []string, bufSize int) *Subscription {
	return r.subs.add(patterns, types.SubscriptionScope{Kind: types.ScopeGlobal}, bufSize)
}

// SubscribeScoped registers a new bounded subscription matching any of
// patterns and narrowed to scope (spec.md §3: global | orchestration-subtree
// up to depth N | single agent). A orchestration_subtree scope is resolved
// against the router's ScopeChecker (see SetScopeChecker); with none
// installed it matches nothing.
func (r *Router) SubscribeScoped(patterns []string, scope types.SubscriptionScope, bufSize int) *Subscription {
	return r.subs.add(patterns, scope, bufSize)
}

// Unsubscribe removes a subscription by id.
func (r *Router) Unsubscribe(id string) {
	r.subs.remove(id)
}

// Dispatch routes name to its registered handler, computing a fresh
// Context from parent (nil for a client-originated event), appending the
// inbound event to the durable log, invoking the handler, then fanning
// out the resulting event to subscriptions and transformers.
//
// On success it returns the handler's result event. On failure it
// returns an `error` event whose data is an ErrorPayload, never a bare Go
// error, so callers can always serialize the outcome back onto the wire.
func (r *Router) Dispatch(ctx context.Context, parent *types.Context, agentID, clientID, name string, data json.RawMessage) types.Event {
	evCtx := buildContext(parent, agentID, clientID)
	inbound := types.Event{Name: name, Data: data, Context: evCtx}

	if r.store != nil {
		if _, err := r.store.Log.Append(&inbound); err != nil {
			r.log.Error().Err(err).Str("event", name).Msg("failed to append event log")
			return r.errorEvent(inbound, errs.Wrapped(errs.ErrInternal, err))
		}
	}

	r.mu.RLock()
	reg, ok := r.handlers[name]
	r.mu.RUnlock()

	var result types.Event
	if !ok {
		result = r.errorEvent(inbound, errs.ErrNotFound)
	} else if err := r.checkCapabilities(agentID, reg); err != nil {
		result = r.errorEvent(inbound, err)
	} else {
		out, err := reg.Handler(ctx, inbound)
		if err != nil {
			result = r.errorEvent(inbound, err)
		} else {
			result = types.Event{Name: name + ":result", Data: out, Context: evCtx}
		}
	}

	r.dispatchTransformers(inbound)
	r.publish(result)
	return result
}

// Replay returns every event durably logged after sequence number
// afterSeq, in append order, stopping after limit entries (limit <= 0
// means unbounded). It is the router's half of spec.md's restart
// semantics: a reconnecting subscriber (or a freshly started process with
// no live subscriptions at all) can reconstruct exactly what it missed
// from the durable log alone, without the router holding any replay state
// of its own. Returns an empty slice if the router was built without a
// store.
func (r *Router) Replay(afterSeq uint64, limit int) ([]types.Event, error) {
	if r.store == nil {
		return nil, nil
	}
	events, err := r.store.Log.Since(afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("router: replay: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	out := make([]types.Event, len(events))
	for i, ev := range events {
		out[i] = *ev
	}
	return out, nil
}

// EmitChild publishes ev as caused by parent, deriving its Context with
// the same correlation/causality propagation Dispatch uses for a handled
// event (parent_event_id, correlation_id, depth+1, orchestration fields).
// Every asynchronous emission not produced by a Dispatch call (progress,
// result, error, cancellation, bubble-up events) must go through this
// instead of the raw Emit, or Testable Property 3 (causality) and §4.7
// bubble-up (which keys off Context.AgentID) silently break.
func (r *Router) EmitChild(parent *types.Context, ev types.Event) {
	var agentID, clientID string
	if parent != nil {
		agentID, clientID = parent.AgentID, parent.ClientID
	}
	ev.Context = buildContext(parent, agentID, clientID)
	r.Emit(ev)
}

// Emit publishes an event that did not originate from a handled dispatch
// (e.g. a progress or monitor event) to subscriptions and the durable log,
// without involving the handler registry. Prefer EmitChild when the event
// is caused by an earlier one; Emit leaves ev.Context exactly as given,
// which is only correct for a genuinely rootless event (e.g. monitor:lag).
func (r *Router) Emit(ev types.Event) {
	if r.store != nil {
		if _, err := r.store.Log.Append(&ev); err != nil {
			r.log.Error().Err(err).Str("event", ev.Name).Msg("failed to append emitted event")
		}
	}
	r.publish(ev)
}

func (r *Router) publish(ev types.Event) {
	lagged := r.subs.fanout(ev, r.scope)
	for _, id := range lagged {
		r.log.Warn().Str("subscription", id).Str("event", ev.Name).Msg("subscriber lagging, dropped oldest queued event")
		lag := types.Event{
			Name:    "monitor:lag",
			Data:    mustJSON(map[string]string{"subscription_id": id, "event": ev.Name}),
			Context: ev.Context,
		}
		// The lag notice only takes free queue space; it never displaces a
		// queued event, so it cannot cause a further drop of its own.
		r.subs.mu.RLock()
		for _, sub := range r.subs.subs {
			if !sub.closed.Load() && sub.Matches(lag.Name) && sub.inScope(lag, r.scope) {
				select {
				case sub.events <- lag:
				default:
				}
			}
		}
		r.subs.mu.RUnlock()
	}
}

// checkCapabilities gates a handler dispatch on the caller's capability
// set (spec.md §4.6: "the router consults capabilities before dispatching
// any event originating from an agent"). Client-originated events
// (agentID == "") and handlers with no declared requirement bypass the
// check entirely.
func (r *Router) checkCapabilities(agentID string, reg Registration) error {
	if agentID == "" || len(reg.Capabilities) == 0 || r.capabilities == nil {
		return nil
	}
	return r.capabilities.Check(agentID, reg.Capabilities)
}

func (r *Router) dispatchTransformers(ev types.Event) {
	for _, t := range r.transformers.Match(ev.Name) {
		data, fires, err := Apply(t, ev)
		if err != nil {
			r.log.Warn().Err(err).Str("source", t.Source).Str("target", t.Target).Msg("transformer failed")
			continue
		}
		if !fires {
			continue
		}
		synthesized := types.Event{Name: t.Target, Data: data, Context: ev.Context}
		if t.Async {
			go r.Emit(synthesized)
		} else {
			r.Emit(synthesized)
		}
	}
}

func (r *Router) errorEvent(source types.Event, err error) types.Event {
	kind := errs.Kind(err)
	payload := types.ErrorPayload{
		Kind:          kind,
		Message:       err.Error(),
		Retryable:     errs.Retryable(kind),
		CorrelationID: source.Context.CorrelationID,
	}
	return types.Event{Name: "error", Data: mustJSON(payload), Context: source.Context}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}
