package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ksi-dev/ksid/internal/discovery"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, json.RawMessage(`{"status":"ok"}`))
}

// handleDiscover proxies GET /discover?namespace=&event=&level= onto
// system:discover, rendering whatever the router dispatch returns.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	level, _ := strconv.Atoi(q.Get("level"))
	params := discovery.DiscoverParams{
		Namespace: q.Get("namespace"),
		Event:     q.Get("event"),
		Level:     level,
	}
	data, err := json.Marshal(params)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, json.RawMessage(`{"error":"encode params"}`))
		return
	}
	result := s.rt.Dispatch(r.Context(), nil, "", "", "system:discover", data)
	writeResult(w, result)
}

// handleHelp proxies GET /help?event=... onto system:help.
func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	params := discovery.HelpParams{Event: r.URL.Query().Get("event")}
	data, err := json.Marshal(params)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, json.RawMessage(`{"error":"encode params"}`))
		return
	}
	result := s.rt.Dispatch(r.Context(), nil, "", "", "system:help", data)
	writeResult(w, result)
}
