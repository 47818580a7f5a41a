package composition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Service exposes the composition loader's rebuild/get/list operations on
// the router. internal/agentsvc and internal/orchestration consult the
// Loader directly (via the CompositionLoader interface each declares);
// Service is for the wire-level operations a client drives explicitly.
type Service struct {
	loader *Loader
	index  *Index
	router *router.Router
	log    zerolog.Logger
}

// New creates a Service over loader and its Index.
func New(rt *router.Router, loader *Loader, index *Index) *Service {
	return &Service{loader: loader, index: index, router: rt, log: logging.For("composition")}
}

// RegisterHandlers installs this service's handlers onto the router.
func (s *Service) RegisterHandlers() {
	s.router.Register("composition:rebuild_index", router.ParamSchema{}, nil, s.handleRebuildIndex)
	s.router.Register("composition:get", router.ParamSchema{"name": "string"}, nil, s.handleGet)
	s.router.Register("composition:list", router.ParamSchema{}, nil, s.handleList)
}

type getParams struct {
	Name string `json:"name"`
}

func (s *Service) handleRebuildIndex(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	count, err := s.index.Rebuild()
	if err != nil {
		return nil, err
	}
	s.log.Info().Int("count", count).Msg("composition index rebuilt")
	s.router.EmitChild(&ev.Context, types.Event{
		Name: "composition:index_rebuilt",
		Data: marshalOrEmpty(map[string]int{"count": count}),
	})
	return marshal(map[string]int{"count": count})
}

func (s *Service) handleGet(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	var params getParams
	if err := json.Unmarshal(ev.Data, &params); err != nil {
		return nil, fmt.Errorf("composition: decode get params: %w", errs.Wrapped(errs.ErrInvalidArgument, err))
	}
	if params.Name == "" {
		return nil, fmt.Errorf("composition: name required: %w", errs.ErrInvalidArgument)
	}
	comp, err := s.index.Get(params.Name)
	if err != nil {
		return nil, err
	}
	return marshal(comp)
}

func (s *Service) handleList(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	comps, err := s.index.List()
	if err != nil {
		return nil, err
	}
	return marshal(map[string]any{"compositions": comps})
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("composition: marshal result: %w", errs.Wrapped(errs.ErrInternal, err))
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
