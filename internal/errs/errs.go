// Package errs defines the daemon-wide error taxonomy (spec.md §7) and the
// sentinel errors every subsystem wraps its failures in with fmt.Errorf's
// %w, mirroring the teacher's storage.ErrNotFound convention but extended
// to the full kind set.
package errs

import (
	"errors"

	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

var (
	ErrInvalidArgument  = errors.New("invalid_argument")
	ErrNotFound         = errors.New("not_found")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission_denied")
	ErrCapacity         = errors.New("capacity")
	ErrTimeout          = errors.New("timeout")
	ErrCancelled        = errors.New("cancelled")
	ErrProviderError    = errors.New("provider_error")
	ErrIO               = errors.New("io")
	ErrInternal         = errors.New("internal")
	ErrRestartAbandoned = errors.New("restart_abandoned")
)

var sentinels = []struct {
	err  error
	kind types.ErrorKind
}{
	{ErrInvalidArgument, types.KindInvalidArgument},
	{ErrNotFound, types.KindNotFound},
	{ErrConflict, types.KindConflict},
	{ErrPermissionDenied, types.KindPermissionDenied},
	{ErrCapacity, types.KindCapacity},
	{ErrTimeout, types.KindTimeout},
	{ErrCancelled, types.KindCancelled},
	{ErrProviderError, types.KindProviderError},
	{ErrIO, types.KindIO},
	{ErrInternal, types.KindInternal},
	{ErrRestartAbandoned, types.KindRestartAbandoned},
	{store.ErrNotFound, types.KindNotFound},
	{store.ErrConflict, types.KindConflict},
	{store.ErrCapacity, types.KindCapacity},
	{store.ErrIO, types.KindIO},
}

// Kind classifies an error into the spec's taxonomy by walking its wrap
// chain. Unclassified errors are treated as internal (spec.md §7: "any
// other condition is fatal").
func Kind(err error) types.ErrorKind {
	if err == nil {
		return ""
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return types.KindInternal
}

// Retryable reports whether an error of this kind is worth retrying by the
// completion service's backoff policy (spec.md §4.5 step 6).
func Retryable(kind types.ErrorKind) bool {
	switch kind {
	case types.KindTimeout, types.KindIO, types.KindCapacity:
		return true
	default:
		return false
	}
}

// Wrapped joins a sentinel with the error that caused it, e.g.
// errs.Wrapped(errs.ErrInvalidArgument, err).
func Wrapped(sentinel error, detail error) error {
	return &wrappedError{sentinel: sentinel, detail: detail}
}

type wrappedError struct {
	sentinel error
	detail   error
}

func (e *wrappedError) Error() string {
	if e.detail == nil {
		return e.sentinel.Error()
	}
	return e.detail.Error() + ": " + e.sentinel.Error()
}

func (e *wrappedError) Unwrap() error { return e.sentinel }
func (e *wrappedError) Is(target error) bool {
	return target == e.sentinel
}
