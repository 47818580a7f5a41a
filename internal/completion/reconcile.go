package completion

import (
	"fmt"
	"strings"

	"github.com/ksi-dev/ksid/pkg/types"
)

// Reconcile resolves state an unclean shutdown left inconsistent, and
// resumes durable work a crash interrupted. Call it once, after
// RegisterHandlers and before the daemon starts accepting dispatches, so
// spec.md's restart-semantics guarantee holds before any client observes
// the service (SPEC_FULL.md §5).
//
// Two things need resolving:
//
//   - Any session whose lock survived to disk names a request the
//     previous process was actively running when it died (a live lock is
//     always released in-process; only a crash leaves one on disk). That
//     request is marked failed with kind restart_abandoned and its
//     subscribers get a single completion:error, matching spec.md's S6
//     scenario text.
//   - Any per-session queue with depth > 0 holds requests that were
//     accepted but never started draining (handleAsync only schedules a
//     drain goroutine at enqueue time; nothing re-schedules one at
//     startup). Reconcile resumes draining every such queue.
func (s *Service) Reconcile() error {
	if err := s.abandonStaleLocks(); err != nil {
		return err
	}
	return s.resumeQueuedSessions()
}

func (s *Service) abandonStaleLocks() error {
	metas, err := s.tracker.LockedSessions()
	if err != nil {
		return fmt.Errorf("completion: reconcile locked sessions: %w", err)
	}

	for _, meta := range metas {
		requestID := meta.Lock.HolderRequestID
		s.tracker.ClearLock(meta.SessionID)

		req, err := s.tracker.GetRequest(requestID)
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", requestID).Str("session_id", meta.SessionID).
				Msg("reconcile: locked session referenced an untracked request")
			continue
		}
		if req.Status != types.RequestPending && req.Status != types.RequestActive {
			continue // already terminal; the lock outlived it, nothing to abandon
		}

		if err := s.tracker.CompleteRequest(requestID, types.RequestFailed, types.KindRestartAbandoned); err != nil {
			s.log.Warn().Err(err).Str("request_id", requestID).Msg("reconcile: failed to mark request abandoned")
			continue
		}

		s.router.EmitChild(&req.Context, types.Event{
			Name: "completion:error",
			Data: marshalOrEmpty(types.ErrorPayload{
				Kind:      types.KindRestartAbandoned,
				Message:   fmt.Sprintf("request %s abandoned: session lock did not survive restart", requestID),
				Retryable: false,
			}),
		})
		s.log.Warn().Str("request_id", requestID).Str("session_id", meta.SessionID).
			Msg("abandoned in-flight request from previous run")
	}
	return nil
}

func (s *Service) resumeQueuedSessions() error {
	names, err := s.store.Queue.Names()
	if err != nil {
		return fmt.Errorf("completion: reconcile list queues: %w", err)
	}

	for _, name := range names {
		sessionID, ok := strings.CutPrefix(name, "completion/session/")
		if !ok {
			continue
		}
		depth, err := s.store.Queue.Len(name)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("reconcile: failed to read queue depth")
			continue
		}
		if depth == 0 {
			continue
		}
		s.log.Info().Str("session_id", sessionID).Int("depth", depth).Msg("resuming queued requests from previous run")
		s.schedule(sessionID)
	}
	return nil
}
