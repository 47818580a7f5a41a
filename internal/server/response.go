package server

import (
	"encoding/json"
	"net/http"

	"github.com/ksi-dev/ksid/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeResult renders a router dispatch result: an "error"-named event is
// rendered as its ErrorPayload with a status derived from its Kind;
// anything else is rendered as-is with 200.
func writeResult(w http.ResponseWriter, ev types.Event) {
	if ev.Name != "error" {
		writeJSON(w, http.StatusOK, ev.Data)
		return
	}

	var payload types.ErrorPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		writeJSON(w, http.StatusInternalServerError, ev.Data)
		return
	}
	writeJSON(w, statusForKind(payload.Kind), ev.Data)
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidArgument:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindPermissionDenied:
		return http.StatusForbidden
	case types.KindCapacity:
		return http.StatusTooManyRequests
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindCancelled:
		return http.StatusRequestTimeout
	case types.KindProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
