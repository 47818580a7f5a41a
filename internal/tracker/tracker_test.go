package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestTrackAndGetRequest(t *testing.T) {
	tr := newTestTracker(t)

	req := &types.Request{RequestID: "r1", AgentID: "a1", Provider: "anthropic", Model: "claude"}
	require.NoError(t, tr.TrackRequest(req))

	got, err := tr.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RequestPending, got.Status)
	assert.NotZero(t, got.CreatedAt)
}

func TestUpdateRequestSessionBindsAgentSession(t *testing.T) {
	tr := newTestTracker(t)

	req := &types.Request{RequestID: "r1", AgentID: "a1"}
	require.NoError(t, tr.TrackRequest(req))
	require.NoError(t, tr.UpdateRequestSession("r1", "sess-1"))

	got, err := tr.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)

	sid, err := tr.GetAgentSession("a1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)
}

func TestGetAgentSessionUnboundReturnsEmpty(t *testing.T) {
	tr := newTestTracker(t)

	sid, err := tr.GetAgentSession("unknown-agent")
	require.NoError(t, err)
	assert.Empty(t, sid)
}

func TestCompleteRequestSetsStatusAndFailureKind(t *testing.T) {
	tr := newTestTracker(t)

	req := &types.Request{RequestID: "r1", AgentID: "a1"}
	require.NoError(t, tr.TrackRequest(req))
	require.NoError(t, tr.CompleteRequest("r1", types.RequestFailed, types.KindProviderError))

	got, err := tr.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RequestFailed, got.Status)
	assert.Equal(t, types.KindProviderError, got.FailureKind)
}

func TestMarkRequestActive(t *testing.T) {
	tr := newTestTracker(t)

	req := &types.Request{RequestID: "r1", AgentID: "a1"}
	require.NoError(t, tr.TrackRequest(req))
	require.NoError(t, tr.MarkRequestActive("r1"))

	got, err := tr.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RequestActive, got.Status)
}

func TestAcquireAndReleaseLock(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.AcquireLock(context.Background(), "sess-1", "r1", 0))
	tr.ReleaseLock("sess-1", "r1")

	require.NoError(t, tr.AcquireLock(context.Background(), "sess-1", "r2", 0))
	tr.ReleaseLock("sess-1", "r2")
}

func TestLockedSessionsReportsHeldLocksOnly(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.AcquireLock(context.Background(), "sess-held", "r1", 0))
	require.NoError(t, tr.AcquireLock(context.Background(), "sess-released", "r2", 0))
	tr.ReleaseLock("sess-released", "r2")

	metas, err := tr.LockedSessions()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "sess-held", metas[0].SessionID)
	assert.Equal(t, "r1", metas[0].Lock.HolderRequestID)
}

func TestClearLockRemovesPersistedLockWithoutHolder(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.AcquireLock(context.Background(), "sess-1", "r1", 0))
	tr.ClearLock("sess-1")

	metas, err := tr.LockedSessions()
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestAcquireLockBlocksUntilReleased(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.AcquireLock(context.Background(), "sess-1", "r1", 0))

	acquired := make(chan struct{})
	go func() {
		err := tr.AcquireLock(context.Background(), "sess-1", "r2", time.Second)
		assert.NoError(t, err)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should not have succeeded before release")
	case <-time.After(50 * time.Millisecond):
	}

	tr.ReleaseLock("sess-1", "r1")

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected second acquire to succeed after release")
	}
}

func TestAcquireLockTimesOut(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.AcquireLock(context.Background(), "sess-1", "r1", 0))

	err := tr.AcquireLock(context.Background(), "sess-1", "r2", 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, errs.Kind(err))
}

func TestAcquireLockRespectsContextCancellation(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.AcquireLock(context.Background(), "sess-1", "r1", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.AcquireLock(ctx, "sess-1", "r2", time.Second)
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, errs.Kind(err))
}

func TestReleaseLockByNonHolderIsNoop(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.AcquireLock(context.Background(), "sess-1", "r1", 0))
	tr.ReleaseLock("sess-1", "wrong-request")

	err := tr.AcquireLock(context.Background(), "sess-1", "r2", 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, errs.Kind(err))

	tr.ReleaseLock("sess-1", "r1")
	require.NoError(t, tr.AcquireLock(context.Background(), "sess-1", "r3", time.Second))
}
