package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/pkg/types"
)

// CompositionLoader resolves a named composition to its fully-merged form.
// Duplicated from internal/agentsvc's identical interface rather than
// imported, so neither package depends on the other; internal/composition
// satisfies both.
type CompositionLoader interface {
	Resolve(name string) (*types.Composition, error)
}

// Service implements the orchestration:* operations (spec.md §4.7):
// starting a pattern, hierarchical bubble-up delivery of subtree events,
// and cascading post-order termination.
type Service struct {
	router   *router.Router
	registry *Registry
	patterns CompositionLoader
	log      zerolog.Logger

	bubbler *bubbler
}

// New creates a Service and starts its bubble-up watcher on rt.
func New(rt *router.Router, registry *Registry, loader CompositionLoader) *Service {
	s := &Service{
		router:   rt,
		registry: registry,
		patterns: loader,
		log:      logging.For("orchestration"),
	}
	s.bubbler = newBubbler(rt, registry)
	return s
}

// RegisterHandlers installs this service's handlers onto the router.
func (s *Service) RegisterHandlers() {
	s.router.Register("orchestration:start", router.ParamSchema{
		"pattern": "string",
	}, []string{string(types.CapOrchestrate)}, s.handleStart)
	s.router.Register("orchestration:status", router.ParamSchema{
		"orchestration_id": "string",
	}, nil, s.handleStatus)
	s.router.Register("orchestration:terminate", router.ParamSchema{
		"orchestration_id": "string",
	}, []string{string(types.CapOrchestrate)}, s.handleTerminate)
	s.router.Register("orchestration:request_termination", router.ParamSchema{}, nil, s.handleRequestTermination)
}

// Stop tears down the bubble-up watcher.
func (s *Service) Stop() {
	s.bubbler.stop()
}

func (s *Service) handleStart(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params StartParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("orchestration: decode start params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.Pattern == "" {
		return nil, fmt.Errorf("orchestration: pattern required: %w", errs.ErrInvalidArgument)
	}

	comp, err := s.patterns.Resolve(params.Pattern)
	if err != nil {
		return nil, fmt.Errorf("orchestration: resolve pattern %s: %w", params.Pattern, err)
	}
	pb, err := decodePattern(comp)
	if err != nil {
		return nil, err
	}

	if params.ParentOrchestrationID != "" {
		if _, err := s.registry.Get(params.ParentOrchestrationID); err != nil {
			return nil, fmt.Errorf("orchestration: resolve parent %s: %w", params.ParentOrchestrationID, err)
		}
	}

	eventLevel, errorLevel := 0, -1
	if pb.EventSubscriptionLevel != nil {
		eventLevel = *pb.EventSubscriptionLevel
	}
	if pb.ErrorSubscriptionLevel != nil {
		errorLevel = *pb.ErrorSubscriptionLevel
	}

	now := ev.Context.Timestamp
	orchID := ulid.Make().String()
	rec := &types.OrchestrationRecord{
		OrchestrationID:        orchID,
		ParentOrchestrationID:  params.ParentOrchestrationID,
		Pattern:                params.Pattern,
		Status:                 types.OrchestrationActive,
		EventSubscriptionLevel: eventLevel,
		ErrorSubscriptionLevel: errorLevel,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.registry.Put(rec); err != nil {
		return nil, err
	}
	if params.ParentOrchestrationID != "" {
		if err := s.registry.LinkChild(params.ParentOrchestrationID, orchID); err != nil {
			return nil, err
		}
	}

	spawned := make(map[string]string, len(pb.Agents))
	for _, spec := range pb.Agents {
		agentID, err := s.spawnPatternAgent(ctx, orchID, spec, spawned)
		if err != nil {
			return nil, fmt.Errorf("orchestration: spawn %s for pattern %s: %w", spec.Component, params.Pattern, err)
		}
		spawned[spec.Component] = agentID
		if err := s.registry.LinkAgent(orchID, agentID); err != nil {
			return nil, err
		}
	}

	s.router.EmitChild(&ev.Context, types.Event{
		Name: "orchestration:started",
		Data: marshalOrEmpty(map[string]string{"orchestration_id": orchID}),
	})

	return marshal(rec)
}

func (s *Service) spawnPatternAgent(ctx context.Context, orchID string, spec patternAgentSpec, spawned map[string]string) (string, error) {
	parentAgentID := spawned[spec.ParentName]

	data := marshalOrEmpty(map[string]any{
		"component":        spec.Component,
		"parent_agent_id":  parentAgentID,
		"orchestration_id": orchID,
		"capabilities":     spec.Capabilities,
		"initial_prompt":   spec.InitialPrompt,
	})
	result := s.router.Dispatch(ctx, nil, "", "", "agent:spawn", data)
	if result.Name != "agent:spawn:result" {
		var payload types.ErrorPayload
		_ = json.Unmarshal(result.Data, &payload)
		return "", fmt.Errorf("orchestration: agent:spawn failed: %s", payload.Message)
	}

	var rec struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(result.Data, &rec); err != nil || rec.AgentID == "" {
		return "", fmt.Errorf("orchestration: agent:spawn returned no agent_id: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	return rec.AgentID, nil
}

func (s *Service) handleStatus(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params StatusParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("orchestration: decode status params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.OrchestrationID == "" {
		return nil, fmt.Errorf("orchestration: orchestration_id required: %w", errs.ErrInvalidArgument)
	}
	rec, err := s.registry.Get(params.OrchestrationID)
	if err != nil {
		return nil, err
	}
	agents, err := s.registry.OwnedAgentIDs(params.OrchestrationID)
	if err != nil {
		return nil, err
	}
	children, err := s.registry.ChildOrchestrations(params.OrchestrationID)
	if err != nil {
		return nil, err
	}
	childIDs := make([]string, 0, len(children))
	for _, c := range children {
		childIDs = append(childIDs, c.OrchestrationID)
	}
	return marshal(map[string]any{
		"orchestration": rec,
		"agents":        agents,
		"children":      childIDs,
	})
}

func (s *Service) handleTerminate(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params TerminateParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("orchestration: decode terminate params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.OrchestrationID == "" {
		return nil, fmt.Errorf("orchestration: orchestration_id required: %w", errs.ErrInvalidArgument)
	}
	if err := s.terminateTree(ctx, &ev.Context, params.OrchestrationID); err != nil {
		return nil, err
	}
	return marshal(map[string]string{"orchestration_id": params.OrchestrationID, "status": "terminated"})
}

// handleRequestTermination lets an agent politely stop its own
// orchestration: the caller cannot name an arbitrary orchestration_id, only
// the one it is itself owned by (spec.md §4.7: "an agent-initiated polite
// stop").
func (s *Service) handleRequestTermination(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	if ev.Context.AgentID == "" {
		return nil, fmt.Errorf("orchestration: request_termination requires an agent-originated event: %w", errs.ErrInvalidArgument)
	}
	orchID, err := s.registry.OwnerOf(ev.Context.AgentID)
	if err != nil {
		return nil, fmt.Errorf("orchestration: agent %s is not owned by any orchestration: %w", ev.Context.AgentID, err)
	}
	if err := s.terminateTree(ctx, &ev.Context, orchID); err != nil {
		return nil, err
	}
	return marshal(map[string]string{"orchestration_id": orchID, "status": "terminated"})
}

// terminateTree terminates orchID's descendant orchestrations and agents
// in post-order, then orchID itself (spec.md §4.7). parent is the Context
// of the request that triggered termination; every orchestration:terminated
// event emitted for orchID and its descendants derives from it.
func (s *Service) terminateTree(ctx context.Context, parent *types.Context, orchID string) error {
	rec, err := s.registry.Get(orchID)
	if err != nil {
		return err
	}
	if rec.Status == types.OrchestrationTerminated {
		return nil
	}

	children, err := s.registry.ChildOrchestrations(orchID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.terminateTree(ctx, parent, child.OrchestrationID); err != nil {
			return err
		}
	}

	rec.Status = types.OrchestrationTerminating
	if err := s.registry.Put(rec); err != nil {
		return err
	}

	agentIDs, err := s.registry.OwnedAgentIDs(orchID)
	if err != nil {
		return err
	}
	for _, agentID := range agentIDs {
		data := marshalOrEmpty(map[string]any{"agent_id": agentID, "cascade": true})
		s.router.Dispatch(ctx, nil, "", "", "agent:terminate", data)
	}

	rec.Status = types.OrchestrationTerminated
	if err := s.registry.Put(rec); err != nil {
		return err
	}
	if err := s.registry.Delete(orchID); err != nil {
		return err
	}

	s.router.EmitChild(parent, types.Event{Name: "orchestration:terminated", Data: marshalOrEmpty(map[string]string{"orchestration_id": orchID})})
	return nil
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("orchestration: marshal result: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	return data, nil
}

func marshalOrEmpty(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
