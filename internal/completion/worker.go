package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/provider"
	"github.com/ksi-dev/ksid/pkg/types"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
)

// drainSession pops and processes requests queued for sessionID until the
// queue runs dry, then clears the session's active flag so a later
// schedule() call can spin up a fresh drain goroutine.
func (s *Service) drainSession(sessionID string) {
	defer s.wg.Done()
	for {
		var requestID string
		if err := s.store.Queue.Pop(queueName(sessionID), &requestID); err != nil {
			s.mu.Lock()
			delete(s.active, sessionID)
			s.mu.Unlock()
			return
		}

		select {
		case <-s.baseCtx.Done():
			s.mu.Lock()
			delete(s.active, sessionID)
			s.mu.Unlock()
			return
		case s.sem <- struct{}{}:
		}
		s.processRequest(sessionID, requestID)
		<-s.sem
	}
}

func (s *Service) processRequest(sessionID, requestID string) {
	req, err := s.tracker.GetRequest(requestID)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).Msg("drain: request vanished")
		return
	}
	if isTerminal(req.Status) {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	if s.cfg.RequestTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer timeoutCancel()
	}
	s.mu.Lock()
	s.cancels[requestID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, requestID)
		s.mu.Unlock()
	}()

	if err := s.tracker.AcquireLock(ctx, sessionID, requestID, s.cfg.SessionLockTimeout); err != nil {
		s.handleFailure(ctx, req, err)
		return
	}
	defer s.tracker.ReleaseLock(sessionID, requestID)

	if err := s.tracker.MarkRequestActive(requestID); err != nil {
		s.handleFailure(ctx, req, err)
		return
	}

	var payload requestPayload
	if err := s.store.KV.Get(req.PromptRef, &payload); err != nil {
		s.fail(req, fmt.Errorf("completion: load request payload: %w", err))
		return
	}

	prov, err := s.registry.Get(req.Provider)
	if err != nil {
		s.fail(req, fmt.Errorf("completion: %w", errs.Wrapped(errs.ErrNotFound, err)))
		return
	}

	messages := buildMessages(payload)
	creq := &provider.CompletionRequest{
		Model:     req.Model,
		SessionID: req.SessionID,
		Messages:  messages,
	}
	if payload.Options != nil {
		creq.MaxTokens = payload.Options.MaxTokens
		creq.Temperature = payload.Options.Temperature
		creq.TopP = payload.Options.TopP
	}

	stream, err := s.callWithRetry(ctx, prov, creq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			s.cancelled(req)
			return
		}
		s.fail(req, err)
		return
	}
	defer stream.Close()

	content, err := s.drainStream(ctx, req, stream)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			s.cancelled(req)
			return
		}
		s.fail(req, err)
		return
	}

	if newSessionID := stream.SessionID(); newSessionID != "" {
		if err := s.tracker.UpdateRequestSession(requestID, newSessionID); err != nil {
			s.log.Warn().Err(err).Str("request_id", requestID).Msg("failed to bind resolved session id")
		}
	}
	if err := s.tracker.CompleteRequest(requestID, types.RequestCompleted, ""); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).Msg("failed to mark request completed")
	}
	finalReq, err := s.tracker.GetRequest(requestID)
	if err != nil {
		finalReq = req
	}
	s.router.EmitChild(&finalReq.Context, types.Event{
		Name: "completion:result",
		Data: marshalOrEmpty(map[string]any{
			"request_id": requestID,
			"session_id": finalReq.SessionID,
			"result":     content,
			"usage":      estimateUsage(messages, content),
		}),
	})
}

// estimateUsage reports a rough token count for result events. Native
// providers don't surface usage on CompletionStream today, so this is the
// best approximation available until the abstraction grows a usage field.
func estimateUsage(prompt []*schema.Message, result string) types.Usage {
	var input int
	for _, m := range prompt {
		input += len(m.Content) / 4
	}
	output := len(result) / 4
	return types.Usage{InputTokens: input, OutputTokens: output}
}

// callWithRetry calls CreateCompletion, retrying retryable failures with
// exponential backoff.
func (s *Service) callWithRetry(ctx context.Context, prov provider.Provider, creq *provider.CompletionRequest) (*provider.CompletionStream, error) {
	b := newBackoff(ctx, s.cfg)
	for {
		stream, err := prov.CreateCompletion(ctx, creq)
		if err == nil {
			return stream, nil
		}
		if !errs.Retryable(errs.Kind(err)) {
			return nil, fmt.Errorf("completion: provider call: %w", errs.Wrapped(errs.ErrProviderError, err))
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("completion: provider call: retries exhausted: %w", errs.Wrapped(errs.ErrProviderError, err))
		}
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// drainStream reads the stream to completion, emitting a completion:progress
// event per non-empty chunk, and returns the accumulated content.
func (s *Service) drainStream(ctx context.Context, req *types.Request, stream *provider.CompletionStream) (string, error) {
	var content string
	for {
		select {
		case <-ctx.Done():
			return content, ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			return content, nil
		}
		if err != nil {
			return content, fmt.Errorf("completion: stream recv: %w", errs.Wrapped(errs.ErrProviderError, err))
		}
		if msg.Content == "" {
			continue
		}
		content += msg.Content
		s.router.EmitChild(&req.Context, types.Event{
			Name: "completion:progress",
			Data: marshalOrEmpty(map[string]string{"request_id": req.RequestID, "delta": msg.Content}),
		})
	}
}

// handleFailure routes an error from a cancellable stage to either the
// cancelled or failed terminal path depending on whether ctx was the cause.
func (s *Service) handleFailure(ctx context.Context, req *types.Request, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		s.cancelled(req)
		return
	}
	s.fail(req, err)
}

func (s *Service) fail(req *types.Request, err error) {
	kind := errs.Kind(err)
	if compErr := s.tracker.CompleteRequest(req.RequestID, types.RequestFailed, kind); compErr != nil {
		s.log.Error().Err(compErr).Str("request_id", req.RequestID).Msg("failed to mark request failed")
	}
	s.router.EmitChild(&req.Context, types.Event{
		Name: "completion:error",
		Data: marshalOrEmpty(map[string]any{
			"request_id": req.RequestID,
			"kind":       kind,
			"message":    err.Error(),
			"retryable":  errs.Retryable(kind),
		}),
	})
}

func (s *Service) cancelled(req *types.Request) {
	if err := s.tracker.CompleteRequest(req.RequestID, types.RequestCancelled, ""); err != nil {
		s.log.Error().Err(err).Str("request_id", req.RequestID).Msg("failed to mark request cancelled")
	}
	s.router.EmitChild(&req.Context, types.Event{
		Name: "completion:cancelled",
		Data: marshalOrEmpty(map[string]string{"request_id": req.RequestID}),
	})
}

func isTerminal(status types.RequestStatus) bool {
	switch status {
	case types.RequestCompleted, types.RequestFailed, types.RequestCancelled:
		return true
	default:
		return false
	}
}

func buildMessages(payload requestPayload) []*schema.Message {
	if len(payload.Messages) == 0 {
		return provider.MessagesFromPrompt(payload.Prompt)
	}
	out := make([]*schema.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		out = append(out, &schema.Message{Role: schemaRole(m.Role), Content: m.Content})
	}
	return out
}

func schemaRole(role string) schema.RoleType {
	switch role {
	case "system":
		return schema.System
	case "assistant":
		return schema.Assistant
	case "tool":
		return schema.Tool
	default:
		return schema.User
	}
}

func newBackoff(ctx context.Context, cfg types.CompletionConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.MaxInterval = cfg.BackoffMax
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)
}
