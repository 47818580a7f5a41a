package store

import "errors"

// Sentinel errors returned by the store surfaces. internal/errs maps these
// onto the daemon-wide error kind taxonomy.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
	ErrCapacity = errors.New("store: capacity exceeded")
	ErrIO       = errors.New("store: io error")
)
