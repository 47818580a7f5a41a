package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Service answers system:discover/system:help from the router's live
// handler registry, caching rendered responses keyed by (namespace, event,
// level) until the registry changes (router.Register bumps
// router.Version(); see spec.md's "rebuildable index" requirement for
// composition, generalized here to a re-registration-invalidated cache
// instead of a file-mtime one since handlers live in Go code).
type Service struct {
	router *router.Router
	log    zerolog.Logger

	mu      sync.Mutex
	version uint64
	cache   map[string]json.RawMessage
}

// New creates a Service over rt.
func New(rt *router.Router) *Service {
	return &Service{router: rt, log: logging.For("discovery"), cache: make(map[string]json.RawMessage)}
}

// RegisterHandlers installs this service's handlers onto the router.
// Neither requires a capability: discovery is always safe to call.
func (s *Service) RegisterHandlers() {
	s.router.Register("system:discover", router.ParamSchema{
		"namespace": "string, optional",
		"event":     "string, optional",
		"level":     "int, optional, 0=summary 1=full schema",
	}, nil, s.handleDiscover)
	s.router.Register("system:help", router.ParamSchema{
		"event": "string, required",
	}, nil, s.handleHelp)
}

func (s *Service) handleDiscover(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params DiscoverParams
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &params); err != nil {
			return nil, fmt.Errorf("discovery: decode discover params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
		}
	}

	key := fmt.Sprintf("%s|%s|%d", params.Namespace, params.Event, params.Level)

	s.mu.Lock()
	defer s.mu.Unlock()
	if v := s.router.Version(); v != s.version {
		s.cache = make(map[string]json.RawMessage)
		s.version = v
	}
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	regs := s.router.Handlers()
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })

	var data json.RawMessage
	var err error
	if params.Level > 0 {
		out := make([]HandlerDetail, 0, len(regs))
		for _, reg := range regs {
			if matches(reg, params.Namespace, params.Event) {
				out = append(out, detail(s.router, reg))
			}
		}
		data, err = json.Marshal(map[string]any{"handlers": out})
	} else {
		out := make([]HandlerSummary, 0, len(regs))
		for _, reg := range regs {
			if matches(reg, params.Namespace, params.Event) {
				out = append(out, summarize(s.router, reg))
			}
		}
		data, err = json.Marshal(map[string]any{"handlers": out})
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: marshal discover result: %w", errs.Wrapped(errs.ErrInternal, err))
	}

	s.cache[key] = data
	return data, nil
}

func (s *Service) handleHelp(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params HelpParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("discovery: decode help params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.Event == "" {
		return nil, fmt.Errorf("discovery: event required: %w", errs.ErrInvalidArgument)
	}

	for _, reg := range s.router.Handlers() {
		if reg.Name == params.Event {
			data, err := json.Marshal(detail(s.router, reg))
			if err != nil {
				return nil, fmt.Errorf("discovery: marshal help result: %w", errs.Wrapped(errs.ErrInternal, err))
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("discovery: %s: %w", params.Event, errs.ErrNotFound)
}
