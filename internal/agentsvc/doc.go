// Package agentsvc implements the agent service (spec.md §4.6): it spawns
// agents from a composition, carries them through
// spawning->ready->running->{idle|running}->terminating->terminated,
// confines their filesystem access to a per-agent sandbox directory, and
// resolves the capability set the router consults before dispatching any
// agent-originated event.
//
// Grounded on the teacher's internal/agent (Agent/Registry, generalized
// from an in-memory config store into a store.Graph-backed one so agent
// state survives restart) and internal/permission.Checker (generalized
// from interactive tool-call approval into the static, spawn-time
// capability grants this package resolves).
package agentsvc
