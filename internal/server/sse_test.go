package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-dev/ksid/pkg/types"
)

// TestAllEvents_SinceReplaysBacklogBeforeClosing drives a request with a
// tight deadline so the handler's select loop exits on its own once the
// replayed backlog has been written, letting the test assert on the
// response body without needing a live long-poll client.
func TestAllEvents_SinceReplaysBacklogBeforeClosing(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		s.rt.Emit(types.Event{Name: "monitor:tick", Data: json.RawMessage(`{}`)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/event?since=0", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "monitor:tick")
}

func TestSinceParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/event?since=42", nil)
	assert.EqualValues(t, 42, sinceParam(req))

	req2 := httptest.NewRequest(http.MethodGet, "/event", nil)
	req2.Header.Set("Last-Event-ID", "7")
	assert.EqualValues(t, 7, sinceParam(req2))

	req3 := httptest.NewRequest(http.MethodGet, "/event", nil)
	assert.EqualValues(t, 0, sinceParam(req3))
}
