// Package completion implements the completion service: it drives
// provider calls on behalf of `completion:async` requests through a
// per-session FIFO worker pool, retrying transient provider failures with
// exponential backoff and emitting progress/result/error/cancelled events
// as the request resolves.
//
// Grounded on the teacher's internal/session.Processor.runLoop/processStream
// (the streaming-chunk and cenkalti/backoff retry loop) and
// internal/storage's per-session FileLock (generalized by internal/tracker
// into the SessionLock this package claims before dispatching).
package completion
