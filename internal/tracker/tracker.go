// Package tracker tracks in-flight completion requests, binds
// provider-minted session ids to their owning agent, and serializes access
// to a session via a per-session FIFO lock with a timeout.
//
// It generalizes the teacher's internal/storage.FileLock (an flock-backed
// mutual-exclusion primitive for one file) into an in-memory,
// store-backed SessionLock: a buffered channel token stands in for the
// file descriptor, Go's guarantee that blocked channel senders are
// serviced in the order they started waiting gives the required FIFO
// ordering, and the holder/expiry bookkeeping is persisted through
// internal/store so it survives restart per spec.md's restart semantics.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Tracker owns request tracking, session-id binding, and session locks.
type Tracker struct {
	st  *store.Store
	log zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// New creates a Tracker backed by st.
func New(st *store.Store) *Tracker {
	return &Tracker{
		st:    st,
		log:   logging.For("tracker"),
		locks: make(map[string]*sessionLock),
	}
}

func requestKey(id string) string { return "request/" + id }
func sessionKey(id string) string { return "session/" + id }

// TrackRequest persists a new request record. SessionID may be empty: the
// daemon never invents one, only adopts what the provider returns.
func (t *Tracker) TrackRequest(req *types.Request) error {
	now := time.Now().UnixMilli()
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.Status == "" {
		req.Status = types.RequestPending
	}
	if err := t.st.KV.Put(requestKey(req.RequestID), req); err != nil {
		return fmt.Errorf("tracker: track request %s: %w", req.RequestID, err)
	}
	return nil
}

// GetRequest fetches a tracked request by id.
func (t *Tracker) GetRequest(requestID string) (*types.Request, error) {
	var req types.Request
	if err := t.st.KV.Get(requestKey(requestID), &req); err != nil {
		return nil, fmt.Errorf("tracker: get request %s: %w", requestID, err)
	}
	return &req, nil
}

// UpdateRequestSession adopts a provider-returned session id onto the
// request and atomically binds it as the owning agent's current session.
// This is the one place a session id enters the system; the daemon never
// invents one itself.
func (t *Tracker) UpdateRequestSession(requestID, sessionID string) error {
	req, err := t.GetRequest(requestID)
	if err != nil {
		return err
	}
	req.SessionID = sessionID
	req.UpdatedAt = time.Now().UnixMilli()

	meta := &types.SessionMeta{
		SessionID:    sessionID,
		AgentID:      req.AgentID,
		LastActivity: req.UpdatedAt,
	}

	batch := map[string]any{
		requestKey(requestID): req,
		sessionKey(sessionID): meta,
	}
	if req.AgentID != "" {
		batch[agentSessionPointerKey(req.AgentID)] = sessionID
	}
	if err := t.st.KV.PutBatch(batch); err != nil {
		return fmt.Errorf("tracker: bind agent session: %w", err)
	}
	return nil
}

// MarkRequestActive transitions a tracked request to RequestActive, for a
// worker that has just claimed its session lock and is about to dispatch it
// to a provider.
func (t *Tracker) MarkRequestActive(requestID string) error {
	req, err := t.GetRequest(requestID)
	if err != nil {
		return err
	}
	req.Status = types.RequestActive
	req.UpdatedAt = time.Now().UnixMilli()
	if err := t.st.KV.Put(requestKey(requestID), req); err != nil {
		return fmt.Errorf("tracker: mark request active: %w", err)
	}
	return nil
}

// CompleteRequest marks a request terminal with the given status and,
// for failures, the error kind that caused it.
func (t *Tracker) CompleteRequest(requestID string, status types.RequestStatus, failureKind types.ErrorKind) error {
	req, err := t.GetRequest(requestID)
	if err != nil {
		return err
	}
	req.Status = status
	req.FailureKind = failureKind
	req.UpdatedAt = time.Now().UnixMilli()
	if err := t.st.KV.Put(requestKey(requestID), req); err != nil {
		return fmt.Errorf("tracker: complete request: %w", err)
	}
	return nil
}

// GetAgentSession returns the session id a given agent is currently bound
// to, or "" if the agent has never received a provider session id.
func (t *Tracker) GetAgentSession(agentID string) (string, error) {
	var found string
	err := t.st.KV.Get(agentSessionPointerKey(agentID), &found)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("tracker: get agent session: %w", err)
	}
	return found, nil
}

func agentSessionPointerKey(agentID string) string { return "agent_session/" + agentID }

// AcquireLock blocks until the named session's lock is free, ctx is
// cancelled, or timeout elapses, whichever first. Waiters are served
// strictly in arrival order.
func (t *Tracker) AcquireLock(ctx context.Context, sessionID, requestID string, timeout time.Duration) error {
	lock := t.lockFor(sessionID)

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-lock.token:
		lock.markHeld(requestID, timeout)
		t.persistLock(sessionID, requestID, timeout)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tracker: acquire lock for session %s: %w", sessionID, errs.Wrapped(errs.ErrCancelled, ctx.Err()))
	case <-timeoutCh:
		return fmt.Errorf("tracker: acquire lock for session %s: %w", sessionID, errs.ErrTimeout)
	}
}

// ReleaseLock releases the named session's lock. Releasing a lock not
// currently held by requestID is a no-op, matching FileLock.Unlock's
// idempotent-on-already-unlocked behavior.
func (t *Tracker) ReleaseLock(sessionID, requestID string) {
	t.mu.Lock()
	lock, ok := t.locks[sessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if lock.release(requestID) {
		t.clearPersistedLock(sessionID)
	}
}

// LockedSessions returns the metadata of every session whose persisted
// lock is still set. A fresh Tracker's in-process token always starts
// free (see newSessionLock), so any persisted holder found here belongs
// to a request the previous process never released, not a live one.
func (t *Tracker) LockedSessions() ([]types.SessionMeta, error) {
	var metas []types.SessionMeta
	err := t.st.KV.ForEachPrefix("session/", func(key string, value []byte) error {
		var meta types.SessionMeta
		if err := json.Unmarshal(value, &meta); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIO, err)
		}
		if meta.Lock != nil {
			metas = append(metas, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: list locked sessions: %w", err)
	}
	return metas, nil
}

// ClearLock forcibly clears a session's persisted lock without the
// original holder's requestID, for startup reconciliation where that
// holder can never call ReleaseLock itself.
func (t *Tracker) ClearLock(sessionID string) {
	t.clearPersistedLock(sessionID)
}

func (t *Tracker) lockFor(sessionID string) *sessionLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[sessionID]
	if !ok {
		lock = newSessionLock()
		t.locks[sessionID] = lock
	}
	return lock
}

func (t *Tracker) persistLock(sessionID, requestID string, timeout time.Duration) {
	var meta types.SessionMeta
	if err := t.st.KV.Get(sessionKey(sessionID), &meta); err != nil {
		meta = types.SessionMeta{SessionID: sessionID}
	}
	expiresAt := int64(0)
	if timeout > 0 {
		expiresAt = time.Now().Add(timeout).UnixMilli()
	}
	meta.Lock = &types.SessionLockInfo{HolderRequestID: requestID, ExpiresAt: expiresAt}
	meta.LastActivity = time.Now().UnixMilli()
	if err := t.st.KV.Put(sessionKey(sessionID), meta); err != nil {
		t.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to persist session lock state")
	}
}

func (t *Tracker) clearPersistedLock(sessionID string) {
	var meta types.SessionMeta
	if err := t.st.KV.Get(sessionKey(sessionID), &meta); err != nil {
		return
	}
	meta.Lock = nil
	if err := t.st.KV.Put(sessionKey(sessionID), meta); err != nil {
		t.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to clear persisted session lock state")
	}
}

// sessionLock is the in-process FIFO mutex for one session.
type sessionLock struct {
	token chan struct{}

	mu      sync.Mutex
	holder  string
	expires time.Time
}

func newSessionLock() *sessionLock {
	l := &sessionLock{token: make(chan struct{}, 1)}
	l.token <- struct{}{}
	return l
}

func (l *sessionLock) markHeld(requestID string, timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = requestID
	if timeout > 0 {
		l.expires = time.Now().Add(timeout)
	} else {
		l.expires = time.Time{}
	}
}

// release returns true if requestID was in fact the holder and the token
// was returned.
func (l *sessionLock) release(requestID string) bool {
	l.mu.Lock()
	if l.holder != requestID {
		l.mu.Unlock()
		return false
	}
	l.holder = ""
	l.mu.Unlock()

	l.token <- struct{}{}
	return true
}
