package coordinator

import "errors"

// Sentinel errors returned across the tier coordinator's external
// interface, named and grouped the way a storage engine's own top-level
// error vars are typically organized.
var (
	// ErrKeyNotFound is returned by Get/GetVersions when no live record
	// exists for a key.
	ErrKeyNotFound = errors.New("coordinator: key not found")

	// ErrCasFailed is returned by SetCAS/DeleteCAS on a compare-and-swap
	// mismatch, wrapped in an error whose message carries the expected and
	// actual seqnos.
	ErrCasFailed = errors.New("coordinator: cas failed")

	// ErrBackpressure is returned to writers once a needed rotation of the
	// memory tier has been blocked by an undrained flush for longer than
	// Configuration.BackpressureDeadline.
	ErrBackpressure = errors.New("coordinator: backpressure: flush pending")

	// ErrSnapshotCorrupt is returned when a disk index fails validation.
	ErrSnapshotCorrupt = errors.New("coordinator: snapshot corrupt")

	// ErrIOFailed is returned by a read whose reference value cannot be
	// loaded from the value log.
	ErrIOFailed = errors.New("coordinator: io failed")

	// ErrCancelled marks a background merge aborted because Close raised
	// the cancellation flag; it is logged, not returned to callers.
	ErrCancelled = errors.New("coordinator: cancelled")

	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("coordinator: closed")
)
