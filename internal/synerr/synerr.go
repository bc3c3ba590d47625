// Package synerr implements the error taxonomy from spec.md §7: a set of
// sentinel errors classified with errors.Is, plus two wrapper types that
// carry the extra context a HardSyncError (failed-serial registration) and
// a database-busy timeout need.
package synerr

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per spec.md §7 category not already captured by a
// wrapper type below.
var (
	// ErrSync is the generic sync-failure sentinel: emitted to the
	// messager, sync worker ends, no retry bookkeeping.
	ErrSync = errors.New("synerr: sync error")

	// ErrConflict is returned when a local path could not be mutated
	// because the target shape is non-empty or the wrong type. Always
	// surfaced to callers wrapped as a SyncError (a HardSyncError in the
	// local-target-apply path, since upstream already has diverged
	// content there).
	ErrConflict = errors.New("synerr: conflict error")

	// ErrOpenBusy means the source object is open in another process.
	ErrOpenBusy = errors.New("synerr: source file open elsewhere")
	// ErrChangedBusy means the source object's content changed mid-copy.
	ErrChangedBusy = errors.New("synerr: source file changed during staging")
	// ErrNotStableBusy means the source object stopped being a regular
	// file mid-copy.
	ErrNotStableBusy = errors.New("synerr: source file not stable")

	// ErrDatabaseBusy means the state store's busy-retry budget was
	// exhausted (spec.md §4.1 transaction contract).
	ErrDatabaseBusy = errors.New("synerr: database busy, retry budget exhausted")

	// ErrInvalidInput is reserved for collaborator-facing validation
	// errors (spec.md §7); the core rarely returns it directly.
	ErrInvalidInput = errors.New("synerr: invalid input")
)

// IsBusy reports whether err is one of the three staging "busy" sentinels,
// which spec.md §7 says are "transient and retried on a later probe cycle".
func IsBusy(err error) bool {
	return errors.Is(err, ErrOpenBusy) || errors.Is(err, ErrChangedBusy) || errors.Is(err, ErrNotStableBusy)
}

// HardSyncError is a SyncError that also causes the (serial, name) pair to
// be registered as failed, per spec.md §4.4 and §7: "collision with
// upstream; additionally registers the (serial, name) pair as failed so
// retries wait for a new serial."
type HardSyncError struct {
	Name   string
	Serial int64
	Err    error // the underlying sentinel, e.g. ErrCollisionSentinel or ErrConflict
}

func (e *HardSyncError) Error() string {
	return fmt.Sprintf("synerr: hard sync error for %s@%d: %v", e.Name, e.Serial, e.Err)
}

func (e *HardSyncError) Unwrap() error {
	return e.Err
}

// ErrCollisionSentinel is the sentinel wrapped by every CollisionError: the
// 412-Precondition-Failed form of a HardSyncError (spec.md §4.2.b, §7).
var ErrCollisionSentinel = errors.New("synerr: collision with upstream object")

// NewCollisionError builds the HardSyncError for a 412 Precondition Failed
// response from the remote archive.
func NewCollisionError(name string, serial int64) *HardSyncError {
	return &HardSyncError{Name: name, Serial: serial, Err: ErrCollisionSentinel}
}

// DatabaseError wraps ErrDatabaseBusy with the operation name that failed,
// per spec.md §7: "the caller sees no partial state and may retry at the
// next round."
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("synerr: database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// IsHard reports whether err is a HardSyncError (including a wrapped one).
func IsHard(err error) bool {
	var h *HardSyncError
	return errors.As(err, &h)
}
