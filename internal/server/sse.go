// SSE implementation note: kept as a small hand-rolled writer rather than
// a third-party SSE package, the same call the teacher made (see its
// internal/server/sse.go) — it integrates directly with this package's
// router/log-tail sources and needs no feature a framework would add.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/pkg/types"
)

// sseHeartbeatInterval is the interval for SSE heartbeats.
const sseHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

func (s *sseWriter) writeEvent(eventType string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// allEvents streams every event the router dispatches or emits. A
// ?since=<sequence> query param (or a Last-Event-ID header, for a
// reconnecting EventSource) first replays everything logged after that
// sequence number from the durable log before switching to the live feed,
// so a client that dropped its connection never silently misses events.
func (s *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	setSSEHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, []byte(`{"error":"streaming not supported"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	sub := s.rt.Subscribe([]string{"*"}, 64)
	defer sub.Close()

	if r.URL.Query().Has("since") || r.Header.Get("Last-Event-ID") != "" {
		backlog, err := s.rt.Replay(sinceParam(r), 0)
		if err != nil {
			logging.Warn().Err(err).Msg("sse: failed to replay backlog")
		}
		for _, ev := range backlog {
			if err := writeEventJSON(sse, ev); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEventJSON(sse, ev); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// sinceParam reads the replay starting point from ?since= or, failing
// that, the Last-Event-ID header an EventSource sets automatically on
// reconnect.
func sinceParam(r *http.Request) uint64 {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	n, _ := strconv.ParseUint(raw, 10, 64)
	return n
}

func writeEventJSON(sse *sseWriter, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return sse.writeEvent("message", data)
}

// tailLogs streams live log lines.
func (s *Server) tailLogs(w http.ResponseWriter, r *http.Request) {
	setSSEHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, []byte(`{"error":"streaming not supported"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	lines, cancel := logging.Tail(64)
	defer cancel()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := sse.writeEvent("log", line); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
