// Package server provides a debug-only HTTP surface over the daemon's
// router: system:discover/system:help browsing, a live all-events feed,
// and live log tailing. It is not the daemon's primary transport (that
// is internal/transport's stream socket) — this exists purely as a
// browser/curl-friendly window onto a running daemon, the same role the
// teacher's HTTP server played for its TUI/SDK clients, narrowed to what
// has no socket-client analogue.
package server
