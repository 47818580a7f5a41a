package transport

import (
	"encoding/json"

	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/pkg/types"
)

// subscriptionBuffer bounds a connection-originated subscription's queue
// when the caller does not specify one.
const subscriptionBuffer = 64

// Subscriber creates and tears down router subscriptions on behalf of a
// connection. *router.Router satisfies it directly; the interface exists
// so this package depends only on the slice of router.Router it needs.
type Subscriber interface {
	Subscribe(patterns []string, bufSize int) *router.Subscription
	SubscribeScoped(patterns []string, scope types.SubscriptionScope, bufSize int) *router.Subscription
	Unsubscribe(id string)
}

type subscribeParams struct {
	Patterns []string                 `json:"patterns"`
	Scope    *types.SubscriptionScope `json:"scope,omitempty"`
	BufSize  int                      `json:"buf_size,omitempty"`
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscription_id"`
}

// handleSubscribe services monitor:subscribe/observation:subscribe: it
// creates a router subscription for this connection and starts a goroutine
// pumping every matched event onto the connection's outbound queue until
// the subscription is closed or the connection disconnects.
func (c *connection) handleSubscribe(name string, data json.RawMessage) types.Event {
	var params subscribeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return errEvent(types.KindInvalidArgument, "decode subscribe params: "+err.Error())
	}
	if len(params.Patterns) == 0 {
		return errEvent(types.KindInvalidArgument, "patterns required")
	}
	bufSize := params.BufSize
	if bufSize <= 0 {
		bufSize = subscriptionBuffer
	}

	var sub *router.Subscription
	if params.Scope != nil {
		sub = c.subscriber.SubscribeScoped(params.Patterns, *params.Scope, bufSize)
	} else {
		sub = c.subscriber.Subscribe(params.Patterns, bufSize)
	}

	c.subsMu.Lock()
	c.subs[sub.ID] = sub
	c.subsMu.Unlock()

	go c.pumpSubscription(sub)

	ack, _ := json.Marshal(map[string]string{"subscription_id": sub.ID, "status": "subscribed"})
	return types.Event{Name: name + ":result", Data: ack}
}

// pumpSubscription relays sub's matched events onto the connection's
// outbound queue until sub closes (unsubscribe) or the connection does.
func (c *connection) pumpSubscription(sub *router.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.trySend(ev)
		case <-c.done:
			return
		}
	}
}

// handleUnsubscribe services monitor:unsubscribe/observation:unsubscribe.
func (c *connection) handleUnsubscribe(name string, data json.RawMessage) types.Event {
	var params unsubscribeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return errEvent(types.KindInvalidArgument, "decode unsubscribe params: "+err.Error())
	}

	c.subsMu.Lock()
	_, ok := c.subs[params.SubscriptionID]
	delete(c.subs, params.SubscriptionID)
	c.subsMu.Unlock()

	if !ok {
		return errEvent(types.KindNotFound, "unknown subscription_id")
	}
	c.subscriber.Unsubscribe(params.SubscriptionID)

	ack, _ := json.Marshal(map[string]string{"subscription_id": params.SubscriptionID, "status": "unsubscribed"})
	return types.Event{Name: name + ":result", Data: ack}
}

func errEvent(kind types.ErrorKind, message string) types.Event {
	payload, _ := json.Marshal(types.ErrorPayload{Kind: kind, Message: message})
	return types.Event{Name: "error", Data: payload}
}
