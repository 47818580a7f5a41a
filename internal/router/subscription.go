package router

import (
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/ksi-dev/ksid/pkg/types"
)

// ScopeChecker answers whether an event originating from agentID falls
// within orchestrationID's subtree, up to maxDepth hops of orchestration
// ancestry (-1 = unbounded). internal/orchestration supplies the concrete
// implementation, built on the same owns/parent_of graph walk
// orchestration/bubble.go uses for hierarchical delivery; the router only
// depends on this interface to avoid an import cycle.
type ScopeChecker interface {
	InSubtree(agentID, orchestrationID string, maxDepth int) bool
}

// Subscription is a bounded outbound queue of events matching one or more
// glob patterns and, if Scope.Kind is non-global, a subtree or single-agent
// filter (spec.md §3's Subscription data model). When the queue is full,
// the oldest queued event is dropped to make room and a monitor:lag event
// is emitted once per drop. The monitor:lag event is queued only on
// subscriptions with free space; it never displaces a queued event.
type Subscription struct {
	ID       string
	Patterns []string
	Scope    types.SubscriptionScope

	events  chan types.Event
	closed  atomic.Bool
	dropped atomic.Uint64
}

// Events returns the channel new matching events are posted to.
func (s *Subscription) Events() <-chan types.Event {
	return s.events
}

// Close marks the subscription closed; it is reaped on the next delivery
// attempt.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.events)
	}
}

// Matches reports whether name matches any of the subscription's patterns.
func (s *Subscription) Matches(name string) bool {
	for _, p := range s.Patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// inScope reports whether ev falls within s.Scope, consulting sc for the
// orchestration-subtree case. A zero-valued (global) scope always matches,
// preserving every existing Subscribe caller's behavior.
func (s *Subscription) inScope(ev types.Event, sc ScopeChecker) bool {
	switch s.Scope.Kind {
	case "", types.ScopeGlobal:
		return true
	case types.ScopeSingleAgent:
		return ev.Context.AgentID != "" && ev.Context.AgentID == s.Scope.AgentID
	case types.ScopeOrchestrationSubtree:
		if ev.Context.AgentID == "" || sc == nil {
			return false
		}
		return sc.InSubtree(ev.Context.AgentID, s.Scope.OrchestrationID, s.Scope.MaxDepth)
	default:
		return false
	}
}

// deliver attempts a non-blocking send, dropping the oldest queued event
// and returning true (lagged) if the queue was full.
func (s *Subscription) deliver(ev types.Event) (lagged bool) {
	select {
	case s.events <- ev:
		return false
	default:
	}

	// Queue full: drop the oldest entry, then post the new one.
	select {
	case <-s.events:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
	return true
}

// subscriptionRegistry tracks all live subscriptions under one mutex.
type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[string]*Subscription)}
}

func (r *subscriptionRegistry) add(patterns []string, scope types.SubscriptionScope, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	sub := &Subscription{
		ID:       ulid.Make().String(),
		Patterns: patterns,
		Scope:    scope,
		events:   make(chan types.Event, bufSize),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub
}

func (r *subscriptionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.Close()
		delete(r.subs, id)
	}
}

// fanout delivers ev to every subscription matching its name and scope,
// reaping closed subscriptions and reporting which ones lagged.
func (r *subscriptionRegistry) fanout(ev types.Event, sc ScopeChecker) (lagged []string) {
	r.mu.RLock()
	matched := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.Matches(ev.Name) && sub.inScope(ev, sc) {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range matched {
		if sub.closed.Load() {
			r.remove(sub.ID)
			continue
		}
		if sub.deliver(ev) {
			lagged = append(lagged, sub.ID)
		}
	}
	return lagged
}
