// Package transport implements the daemon's primary wire protocol: a
// length-delimited JSON framing (spec: 4-byte big-endian length, then
// UTF-8 JSON) served over a Unix domain socket, plus the inbound
// backpressure and client_id stamping the protocol requires.
//
// The one-reader/one-writer-goroutine-per-connection shape mirrors the
// teacher's internal/mcp/transport.go StdioTransport, which runs the same
// split around a subprocess pipe instead of a socket.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/logging"
)

// defaultInboundBuffer bounds each connection's inbound and outbound
// queues. Overrunning the inbound queue yields a `busy` reply rather than
// blocking the reader; a full outbound queue blocks the sender until the
// writer drains it or the connection closes.
const defaultInboundBuffer = 64

// Server accepts connections on a Unix domain socket and serves the
// length-delimited JSON protocol on each.
type Server struct {
	socketPath string
	dispatcher Dispatcher
	subscriber Subscriber
	bufSize    int
	log        zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*connection
	wg       sync.WaitGroup
}

// New creates a Server that will listen on socketPath, route every
// client event through dispatcher, and service monitor:subscribe /
// observation:subscribe (and their unsubscribe counterparts) against
// subscriber. subscriber may be nil, in which case those four event names
// fail with not_found instead of creating a subscription.
func New(socketPath string, dispatcher Dispatcher, subscriber Subscriber) *Server {
	return &Server{
		socketPath: socketPath,
		dispatcher: dispatcher,
		subscriber: subscriber,
		bufSize:    defaultInboundBuffer,
		log:        logging.For("transport"),
		conns:      make(map[string]*connection),
	}
}

// Serve listens on the configured socket and accepts connections until ctx
// is cancelled or an unrecoverable accept error occurs. It removes any
// stale socket file left behind by a prior unclean shutdown before binding.
func (s *Server) Serve(ctx context.Context) error {
	if err := removeStaleSocket(s.socketPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}

		conn := newConnection(nc, s.dispatcher, s.subscriber, s.bufSize, s.log)
		s.mu.Lock()
		s.conns[conn.id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			conn.serve(ctx)
			s.mu.Lock()
			delete(s.conns, conn.id)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting new connections and closes the listener. Already
// accepted connections drain on their own via ctx cancellation.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func removeStaleSocket(path string) error {
	if path == "" {
		return nil
	}
	_, err := net.Dial("unix", path)
	if err == nil {
		return errors.New("transport: socket already in use by a live daemon: " + path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
