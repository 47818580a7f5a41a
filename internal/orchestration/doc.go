// Package orchestration implements the orchestration service (spec.md
// §4.7): a tree of orchestration entities, each owning a subtree of agents
// and child orchestrations, with hierarchical bubble-up delivery of
// descendant events to the orchestration's subscription level and
// cascading post-order termination.
//
// This is new relative to the teacher (a single-agent chat tool has no
// concept of a supervising tree) but is built the way the teacher builds
// its other tree-shaped services: an owning struct with a
// sync.RWMutex-guarded map (internal/agent.Registry, internal/mcp.Client
// manager), here backed by store.Graph so the tree survives a restart.
// Parent/child and ownership edges are internal/store relationships
// (parent_of between orchestrations, owns from an orchestration to its
// agents); bubble-up walks those edges rather than threading a
// per-ancestor depth through the wire event Context, which the router
// never populates beyond the immediate dispatch chain.
package orchestration
