package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/provider"
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/internal/tracker"
	"github.com/ksi-dev/ksid/pkg/types"
)

func queueName(sessionID string) string { return "completion/session/" + sessionID }
func payloadKey(requestID string) string { return "completion/payload/" + requestID }

// Service drains per-session completion request queues through a bounded
// pool of concurrent workers, dispatching each request to the configured
// provider and emitting progress/result/error/cancelled events as it
// resolves.
type Service struct {
	router   *router.Router
	tracker  *tracker.Tracker
	registry *provider.Registry
	store    *store.Store
	cfg      types.CompletionConfig
	log      zerolog.Logger

	sem chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]bool
	cancels map[string]context.CancelFunc

	capabilities router.CapabilityChecker
}

// SetCapabilityChecker installs cc to gate completion:async calls made on
// behalf of an agent other than the dispatching one (spec.md §4.5: "a
// request for an unknown agent is accepted only if the caller has the
// completion.any capability").
func (s *Service) SetCapabilityChecker(cc router.CapabilityChecker) {
	s.capabilities = cc
}

// New creates a Service. cfg's zero value is usable; GlobalMaxConcurrency,
// MaxRetries, BackoffBase, and BackoffMax fall back to sane defaults via
// defaulted(). A zero SessionLockTimeout or RequestTimeout means no timeout.
func New(rt *router.Router, tr *tracker.Tracker, registry *provider.Registry, st *store.Store, cfg types.CompletionConfig) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		router:   rt,
		tracker:  tr,
		registry: registry,
		store:    st,
		cfg:      defaulted(cfg),
		log:      logging.For("completion"),
		sem:      make(chan struct{}, defaulted(cfg).GlobalMaxConcurrency),
		baseCtx:  ctx,
		cancel:   cancel,
		active:   make(map[string]bool),
		cancels:  make(map[string]context.CancelFunc),
	}
}

func defaulted(cfg types.CompletionConfig) types.CompletionConfig {
	if cfg.GlobalMaxConcurrency <= 0 {
		cfg.GlobalMaxConcurrency = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	return cfg
}

// RegisterHandlers installs this service's handlers onto rt.
func (s *Service) RegisterHandlers() {
	s.router.Register("completion:async", router.ParamSchema{
		"model": "string", "prompt": "string", "messages": "array",
	}, nil, s.handleAsync)
	s.router.Register("completion:cancel", router.ParamSchema{"request_id": "string"}, nil, s.handleCancel)
	s.router.Register("completion:status", router.ParamSchema{}, nil, s.handleStatus)
	s.router.Register("completion:session_status", router.ParamSchema{"session_id": "string"}, nil, s.handleSessionStatus)
}

// Stop cancels every in-flight provider call and waits for all drain
// goroutines to exit.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) handleAsync(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params AsyncParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("completion: decode async params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.Model == "" {
		if _, err := s.registry.DefaultModel(); err != nil {
			return nil, fmt.Errorf("completion: no model specified and no default available: %w", errs.ErrInvalidArgument)
		}
	}
	if params.Prompt == "" && len(params.Messages) == 0 {
		return nil, fmt.Errorf("completion: prompt or messages required: %w", errs.ErrInvalidArgument)
	}

	agentID := ev.Context.AgentID
	if params.AgentID != "" {
		if ev.Context.AgentID != "" && params.AgentID != ev.Context.AgentID && s.capabilities != nil {
			if err := s.capabilities.Check(ev.Context.AgentID, []string{"completion.any"}); err != nil {
				return nil, err
			}
		}
		agentID = params.AgentID
	}

	sessionID := params.SessionID
	if sessionID == "" && agentID != "" {
		existing, err := s.tracker.GetAgentSession(agentID)
		if err != nil {
			return nil, fmt.Errorf("completion: resolve agent session: %w", err)
		}
		sessionID = existing
	}

	requestID := params.RequestID
	if requestID == "" {
		requestID = ulid.Make().String()
	} else if _, err := s.tracker.GetRequest(requestID); err == nil {
		return nil, fmt.Errorf("completion: request %s already tracked: %w", requestID, errs.ErrConflict)
	}

	// A request with no session yet queues under a fresh key of its own;
	// its SessionID stays empty until the provider returns one.
	queueKey := sessionID
	if queueKey == "" {
		queueKey = ulid.Make().String()
	}

	providerID, modelID := provider.ParseModelString(params.Model)
	if providerID == "" {
		defaultModel, err := s.registry.DefaultModel()
		if err != nil {
			return nil, fmt.Errorf("completion: resolve default model: %w", err)
		}
		providerID, modelID = defaultModel.ProviderID, defaultModel.ID
	}

	req := &types.Request{
		RequestID: requestID,
		AgentID:   agentID,
		SessionID: sessionID,
		Status:    types.RequestPending,
		Provider:  providerID,
		Model:     modelID,
		PromptRef: payloadKey(requestID),
		Context:   ev.Context,
	}
	if err := s.tracker.TrackRequest(req); err != nil {
		return nil, err
	}

	payload := requestPayload{Prompt: params.Prompt, Messages: params.Messages, Options: params.Options}
	if err := s.store.KV.Put(req.PromptRef, payload); err != nil {
		return nil, fmt.Errorf("completion: persist request payload: %w", err)
	}

	if err := s.store.Queue.Push(queueName(queueKey), requestID, 0); err != nil {
		return nil, fmt.Errorf("completion: enqueue request: %w", err)
	}

	s.schedule(queueKey)

	return marshal(map[string]string{"request_id": requestID, "status": "queued"})
}

func (s *Service) handleCancel(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params CancelParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("completion: decode cancel params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.RequestID == "" {
		return nil, fmt.Errorf("completion: request_id required: %w", errs.ErrInvalidArgument)
	}

	req, err := s.tracker.GetRequest(params.RequestID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cancel, running := s.cancels[params.RequestID]
	s.mu.Unlock()
	if running {
		cancel()
	}

	if req.Status == types.RequestPending || req.Status == types.RequestActive {
		if err := s.tracker.CompleteRequest(params.RequestID, types.RequestCancelled, ""); err != nil {
			return nil, err
		}
	}
	if !running {
		s.router.EmitChild(&ev.Context, types.Event{
			Name: "completion:cancelled",
			Data: marshalOrEmpty(map[string]string{"request_id": params.RequestID}),
		})
	}

	return marshal(map[string]string{"request_id": params.RequestID, "status": "cancelled"})
}

func (s *Service) handleStatus(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	s.mu.Lock()
	inFlight := len(s.cancels)
	s.mu.Unlock()
	return marshal(map[string]int{"in_flight": inFlight})
}

func (s *Service) handleSessionStatus(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params SessionStatusParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("completion: decode session_status params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.SessionID == "" {
		return nil, fmt.Errorf("completion: session_id required: %w", errs.ErrInvalidArgument)
	}

	var meta types.SessionMeta
	if err := s.store.KV.Get("session/"+params.SessionID, &meta); err != nil {
		return nil, fmt.Errorf("completion: get session %s: %w", params.SessionID, err)
	}
	depth, err := s.store.Queue.Len(queueName(params.SessionID))
	if err != nil {
		return nil, fmt.Errorf("completion: queue depth for %s: %w", params.SessionID, err)
	}

	return marshal(map[string]any{
		"session_id":    meta.SessionID,
		"agent_id":      meta.AgentID,
		"last_activity": meta.LastActivity,
		"lock":          meta.Lock,
		"queue_depth":   depth,
	})
}

// schedule ensures exactly one drain goroutine is running for sessionID.
func (s *Service) schedule(sessionID string) {
	s.mu.Lock()
	if s.active[sessionID] {
		s.mu.Unlock()
		return
	}
	s.active[sessionID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drainSession(sessionID)
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("completion: marshal result: %w", errs.Wrapped(errs.ErrInternal, err))
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
