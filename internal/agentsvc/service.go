package agentsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/internal/tracker"
	"github.com/ksi-dev/ksid/pkg/types"
)

// CompositionLoader resolves a named composition (profile, behavior, ...)
// to its fully-merged form. internal/composition supplies the concrete
// implementation; agentsvc only depends on this interface to avoid an
// import cycle between the two packages.
type CompositionLoader interface {
	Resolve(name string) (*types.Composition, error)
}

// Config carries the service's tunables.
type Config struct {
	// SandboxRoot is the directory under which every agent's sandbox
	// subdirectory is allocated.
	SandboxRoot string
}

// Service implements the agent:* operations (spec.md §4.6): spawning
// agents from a composition, routing messages onto an agent's inbox,
// and cascading termination.
type Service struct {
	router       *router.Router
	tracker      *tracker.Tracker
	registry     *Registry
	compositions CompositionLoader
	cfg          Config
	log          zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	activeInbox map[string]bool
	inFlight    map[string]int    // agentID -> count of in-flight requests
	requestOf   map[string]string // requestID -> owning agentID

	resultSub *router.Subscription
}

// New creates a Service. It subscribes to completion:* events on rt to
// track each agent's in-flight request count and drive the
// running/idle transitions spec.md §4.6 describes.
func New(rt *router.Router, tr *tracker.Tracker, registry *Registry, loader CompositionLoader, cfg Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		router:       rt,
		tracker:      tr,
		registry:     registry,
		compositions: loader,
		cfg:          cfg,
		log:          logging.For("agentsvc"),
		baseCtx:      ctx,
		cancel:       cancel,
		activeInbox:  make(map[string]bool),
		inFlight:     make(map[string]int),
		requestOf:    make(map[string]string),
	}
	s.resultSub = rt.Subscribe([]string{"completion:result", "completion:error", "completion:cancelled"}, 256)
	s.wg.Add(1)
	go s.watchCompletions()
	return s
}

// RegisterHandlers installs this service's handlers onto the router.
func (s *Service) RegisterHandlers() {
	s.router.Register("agent:spawn", router.ParamSchema{
		"component": "string", "parent_agent_id": "string",
	}, nil, s.handleSpawn)
	s.router.Register("agent:send_message", router.ParamSchema{
		"agent_id": "string", "message": "string",
	}, nil, s.handleSendMessage)
	s.router.Register("agent:terminate", router.ParamSchema{
		"agent_id": "string", "cascade": "boolean",
	}, []string{string(types.CapSpawnAgents)}, s.handleTerminate)
	s.router.Register("agent:list", router.ParamSchema{}, nil, s.handleList)
	s.router.Register("agent:get", router.ParamSchema{"agent_id": "string"}, nil, s.handleGet)
}

// Stop tears down the completion-event watcher and waits for every
// per-agent inbox drain goroutine to exit.
func (s *Service) Stop() {
	s.cancel()
	s.resultSub.Close()
	s.wg.Wait()
}

func (s *Service) handleSpawn(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params SpawnParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("agentsvc: decode spawn params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.Component == "" {
		return nil, fmt.Errorf("agentsvc: component required: %w", errs.ErrInvalidArgument)
	}

	comp, err := s.compositions.Resolve(params.Component)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: resolve composition %s: %w", params.Component, err)
	}

	var parent *types.AgentRecord
	if params.ParentAgentID != "" {
		parent, err = s.registry.Get(params.ParentAgentID)
		if err != nil {
			return nil, fmt.Errorf("agentsvc: resolve parent agent %s: %w", params.ParentAgentID, err)
		}
	}

	agentID := ulid.Make().String()
	sandboxID, sandboxPath, err := allocateSandbox(s.cfg.SandboxRoot)
	if err != nil {
		return nil, err
	}

	now := ev.Context.Timestamp
	rec := &types.AgentRecord{
		AgentID:         agentID,
		ParentAgentID:   params.ParentAgentID,
		OrchestrationID: params.OrchestrationID,
		Component:       params.Component,
		SandboxID:       sandboxID,
		SandboxPath:     sandboxPath,
		Status:          types.AgentSpawning,
		Capabilities:    effectiveCapabilities(comp.Capabilities, params.Capabilities, parent),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.registry.Put(rec); err != nil {
		return nil, err
	}

	rec.Status = types.AgentReady
	if err := s.registry.Put(rec); err != nil {
		return nil, err
	}

	if params.ParentAgentID != "" {
		rel := &types.Relationship{
			FromType: types.EntityAgent, FromID: params.ParentAgentID,
			Kind:   types.RelParentOf,
			ToType: types.EntityAgent, ToID: agentID,
		}
		if err := s.registry.Store().Graph.AddRelationship(rel); err != nil {
			return nil, fmt.Errorf("agentsvc: link parent %s to %s: %w", params.ParentAgentID, agentID, err)
		}
	}

	s.router.EmitChild(&ev.Context, types.Event{
		Name: "agent:ready",
		Data: marshalOrEmpty(map[string]string{"agent_id": agentID}),
	})

	if params.InitialPrompt != "" {
		s.enqueueMessage(agentID, params.InitialPrompt)
	}

	return marshal(rec)
}

func (s *Service) handleSendMessage(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params SendMessageParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("agentsvc: decode send_message params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.AgentID == "" || params.Message == "" {
		return nil, fmt.Errorf("agentsvc: agent_id and message required: %w", errs.ErrInvalidArgument)
	}
	rec, err := s.registry.Get(params.AgentID)
	if err != nil {
		return nil, err
	}
	if rec.Status == types.AgentTerminating || rec.Status == types.AgentTerminated {
		return nil, fmt.Errorf("agentsvc: agent %s is %s: %w", params.AgentID, rec.Status, errs.ErrPermissionDenied)
	}

	s.enqueueMessage(params.AgentID, params.Message)
	return marshal(map[string]string{"agent_id": params.AgentID, "status": "queued"})
}

func (s *Service) handleTerminate(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params TerminateParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("agentsvc: decode terminate params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.AgentID == "" {
		return nil, fmt.Errorf("agentsvc: agent_id required: %w", errs.ErrInvalidArgument)
	}

	if err := s.terminateOne(params.AgentID); err != nil {
		return nil, err
	}

	if params.Cascade {
		children, err := s.registry.Children(params.AgentID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			cascadeData, _ := json.Marshal(TerminateParams{AgentID: child.AgentID, Cascade: true})
			s.router.Dispatch(ctx, &ev.Context, child.AgentID, "", "agent:terminate", cascadeData)
		}
	}

	s.router.EmitChild(&ev.Context, types.Event{
		Name: "agent:terminated",
		Data: marshalOrEmpty(map[string]string{"agent_id": params.AgentID}),
	})
	return marshal(map[string]string{"agent_id": params.AgentID, "status": "terminated"})
}

func (s *Service) terminateOne(agentID string) error {
	rec, err := s.registry.Get(agentID)
	if err != nil {
		return err
	}
	rec.Status = types.AgentTerminating
	if err := s.registry.Put(rec); err != nil {
		return err
	}

	if err := removeSandbox(rec.SandboxPath); err != nil {
		s.log.Warn().Err(err).Str("agent_id", agentID).Msg("failed to remove sandbox")
	}

	rec.Status = types.AgentTerminated
	return s.registry.Put(rec)
}

func (s *Service) handleList(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	recs, err := s.registry.List()
	if err != nil {
		return nil, err
	}
	return marshal(map[string]any{"agents": recs})
}

func (s *Service) handleGet(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params GetParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("agentsvc: decode get params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.AgentID == "" {
		return nil, fmt.Errorf("agentsvc: agent_id required: %w", errs.ErrInvalidArgument)
	}
	rec, err := s.registry.Get(params.AgentID)
	if err != nil {
		return nil, err
	}
	return marshal(rec)
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: marshal result: %w", errs.Wrapped(errs.ErrInternal, err))
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
