package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Dispatcher hands one client-originated event to the router and returns
// the resulting event to write back to the client.
type Dispatcher func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event

// inboundMessage is the wire shape of a client-originated frame.
type inboundMessage struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// connection owns one accepted socket: a reader goroutine decoding frames
// into a bounded inbound channel, a dispatch goroutine draining it through
// Dispatcher (or, for a subscribe/unsubscribe frame, the subscription
// bridge below), and a writer goroutine draining a bounded outbound
// channel that the dispatch result and any subscription pump both feed.
type connection struct {
	id         string
	netConn    net.Conn
	dispatcher Dispatcher
	subscriber Subscriber
	log        zerolog.Logger

	inbound  chan types.Event
	outbound chan types.Event

	subsMu sync.Mutex
	subs   map[string]*router.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(nc net.Conn, dispatcher Dispatcher, subscriber Subscriber, bufSize int, log zerolog.Logger) *connection {
	id := ulid.Make().String()
	return &connection{
		id:         id,
		netConn:    nc,
		dispatcher: dispatcher,
		subscriber: subscriber,
		log:        log.With().Str("client_id", id).Logger(),
		inbound:    make(chan types.Event, bufSize),
		outbound:   make(chan types.Event, bufSize),
		subs:       make(map[string]*router.Subscription),
		done:       make(chan struct{}),
	}
}

// serve runs the connection's reader, dispatch, and writer loops until the
// connection closes or ctx is cancelled. It blocks until all three exit.
func (c *connection) serve(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); c.readLoop() }()
	go func() { defer wg.Done(); c.dispatchLoop(ctx) }()
	go func() { defer wg.Done(); c.writeLoop() }()

	wg.Wait()
}

func (c *connection) readLoop() {
	defer c.close()
	for {
		frame, err := readFrame(c.netConn)
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}

		ev := types.Event{Name: msg.Name, Data: msg.Data}
		select {
		case c.inbound <- ev:
		case <-c.done:
			return
		default:
			c.log.Warn().Str("event", msg.Name).Msg("inbound queue full, rejecting with busy")
			c.trySend(busyEvent(msg.Name))
		}
	}
}

func (c *connection) dispatchLoop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.inbound:
			if !ok {
				return
			}
			c.trySend(c.route(ctx, ev))
		case <-c.done:
			return
		}
	}
}

// route sends ev to the subscription bridge if it names one of the four
// subscribe/unsubscribe operations (spec.md §3: "created by
// monitor:subscribe / observation:subscribe"), otherwise to the ordinary
// Dispatcher.
func (c *connection) route(ctx context.Context, ev types.Event) types.Event {
	switch ev.Name {
	case "monitor:subscribe", "observation:subscribe":
		if c.subscriber == nil {
			return errEvent(types.KindNotFound, "subscriptions are not supported on this connection")
		}
		return c.handleSubscribe(ev.Name, ev.Data)
	case "monitor:unsubscribe", "observation:unsubscribe":
		if c.subscriber == nil {
			return errEvent(types.KindNotFound, "subscriptions are not supported on this connection")
		}
		return c.handleUnsubscribe(ev.Name, ev.Data)
	default:
		return c.dispatcher(ctx, c.id, ev.Name, ev.Data)
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case ev, ok := <-c.outbound:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to marshal outbound event")
				continue
			}
			if err := writeFrame(c.netConn, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// trySend enqueues ev onto the outbound channel, blocking until the
// writer makes room or the connection closes; ev is discarded if the
// connection closes first.
func (c *connection) trySend(ev types.Event) {
	select {
	case c.outbound <- ev:
	case <-c.done:
	}
}

func busyEvent(sourceName string) types.Event {
	payload, _ := json.Marshal(types.ErrorPayload{
		Kind:    types.KindCapacity,
		Message: "inbound queue full for event " + sourceName,
	})
	return types.Event{Name: "busy", Data: payload}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.netConn.Close()
		c.closeSubscriptions()
	})
}

// closeSubscriptions tears down every subscription this connection created,
// matching spec.md §3's "destroyed on unsubscribe or transport disconnect".
func (c *connection) closeSubscriptions() {
	if c.subscriber == nil {
		return
	}
	c.subsMu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.subs = make(map[string]*router.Subscription)
	c.subsMu.Unlock()

	for _, id := range ids {
		c.subscriber.Unsubscribe(id)
	}
}
