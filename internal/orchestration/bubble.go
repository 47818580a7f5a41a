package orchestration

import (
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/pkg/types"
)

// bubblePayload wraps a subtree event on its way to an ancestor
// orchestration's orchestrator.
type bubblePayload struct {
	OrchestrationID string      `json:"orchestration_id"`
	Hops            int         `json:"hops"`
	Event           types.Event `json:"event"`
}

// bubbler watches every event dispatched through the router and delivers
// the ones originating from an owned agent up the orchestration tree,
// subject to each ancestor's subscription level (spec.md §4.7).
type bubbler struct {
	router   *router.Router
	registry *Registry
	sub      *router.Subscription
	done     chan struct{}
}

func newBubbler(rt *router.Router, registry *Registry) *bubbler {
	b := &bubbler{
		router:   rt,
		registry: registry,
		sub:      rt.Subscribe([]string{"*"}, 1024),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *bubbler) stop() {
	b.sub.Close()
	<-b.done
}

func (b *bubbler) run() {
	defer close(b.done)
	for ev := range b.sub.Events() {
		b.deliver(ev)
	}
}

// deliver walks the orchestration ancestry of ev's originating agent,
// emitting an orchestration:bubble event to every ancestor whose
// subscription level covers this event's hop distance.
func (b *bubbler) deliver(ev types.Event) {
	if ev.Context.AgentID == "" || ev.Name == "orchestration:bubble" {
		return
	}
	orchID, err := b.registry.OwnerOf(ev.Context.AgentID)
	if err != nil {
		return
	}

	isError := ev.Name == "error"
	hops := 0
	visited := map[string]bool{}
	for orchID != "" && !visited[orchID] {
		visited[orchID] = true
		rec, err := b.registry.Get(orchID)
		if err != nil {
			return
		}

		level := rec.EventSubscriptionLevel
		if isError {
			level = rec.ErrorSubscriptionLevel
		}
		if level == -1 || hops <= level {
			b.router.EmitChild(&ev.Context, types.Event{
				Name: "orchestration:bubble",
				Data: marshalOrEmpty(bubblePayload{OrchestrationID: rec.OrchestrationID, Hops: hops, Event: ev}),
			})
		}

		parent, err := b.registry.ParentOf(orchID)
		if err != nil {
			return
		}
		orchID = parent
		hops++
	}
}
