// Package session owns the run lifecycle: recording adapter output into
// the event log, fanning it out to attached clients, and the orchestrator
// operations that create, drive, and resume runs.
package session

import "errors"

// Errors surfaced by orchestrator operations.
var (
	// ErrNoSuchRun means the run id does not exist in the store.
	ErrNoSuchRun = errors.New("no such run")

	// ErrNotLive means the run exists but has no live adapter to accept
	// input or resize.
	ErrNotLive = errors.New("run is not live")

	// ErrNotResumable means the run's kind cannot restart with its
	// identity intact, or the run is not in a resumable state.
	ErrNotResumable = errors.New("run is not resumable")

	// ErrStoreUnavailable means the event store rejected a write; the
	// affected run is torn down rather than left silently lossy.
	ErrStoreUnavailable = errors.New("event store unavailable")
)
