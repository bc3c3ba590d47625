// Package archive defines the data model and client capability contracts
// shared by the synchronization core and both archive clients (spec.md §3
// and §4.2). Concrete clients live in the local and remote subpackages;
// this package only defines the shapes they must satisfy.
package archive

import (
	"context"
	"math"
)

// Tag identifies one of the four archive rows kept per object, per
// spec.md §3.
type Tag string

// The four archive tags.
const (
	Master   Tag = "MASTER"   // remote archive signature
	Slave    Tag = "SLAVE"    // local archive signature
	Sync     Tag = "SYNC"     // last reconciled state
	Decision Tag = "DECISION" // in-flight decision snapshot
)

// NeverSeen is the serial value of a row that has never been written,
// per spec.md §3 invariant "(-1 means 'never seen')".
const NeverSeen int64 = -1

// Well-known Info keys, per spec.md §3.
const (
	InfoLocalType  = "local_type"
	InfoLocalMtime = "local_mtime"
	InfoLocalSize  = "local_size"
	InfoRemoteETag = "remote_etag"
	InfoRemoteType = "remote_type"
)

// Local/remote type values stored under InfoLocalType/InfoRemoteType.
const (
	TypeFile      = "file"
	TypeDir       = "dir"
	TypeUnhandled = "unhandled"
)

// Info is the open string-to-value mapping carried by a FileState. An empty
// Info means the object is absent on that side (spec.md §3).
type Info map[string]any

// Empty reports whether the info carries no fields, i.e. the object is
// absent on this side.
func (i Info) Empty() bool {
	return len(i) == 0
}

// Clone returns a shallow copy of i.
func (i Info) Clone() Info {
	if i == nil {
		return nil
	}

	out := make(Info, len(i))
	for k, v := range i {
		out[k] = v
	}

	return out
}

// mtimeTolerance is the default comparison tolerance for local_mtime, per
// spec.md §3 ("compared with tolerance ≈1e-4"). Callers with a configured
// settings.MtimePrecision should use Equal with that value instead of this
// default.
const mtimeTolerance = 1e-4

// Equal reports whether two Info values represent the same observed state,
// per spec.md §3's local-file equality rule, using the given mtime
// tolerance in seconds.
func Equal(a, b Info, mtimeTol float64) bool {
	if a.Empty() && b.Empty() {
		return true
	}

	if a.Empty() != b.Empty() {
		return false
	}

	at, aok := a[InfoLocalType]
	bt, bok := b[InfoLocalType]

	if aok || bok {
		return equalLocal(a, b, at, bt, aok, bok, mtimeTol)
	}

	// Remote-side comparison: type and etag must match.
	return a[InfoRemoteType] == b[InfoRemoteType] && a[InfoRemoteETag] == b[InfoRemoteETag]
}

func equalLocal(a, b Info, at, bt any, aok, bok bool, mtimeTol float64) bool {
	if !aok || !bok || at != bt {
		return false
	}

	switch at {
	case TypeDir:
		return true
	case TypeUnhandled:
		// spec.md §3: probing must treat unhandled infos as equal; only the
		// target-side "did content change while hidden" check (in the local
		// client's hide/finalize logic) treats them as unequal, by comparing
		// raw bytes instead of calling this function.
		return true
	case TypeFile:
		return floatEqual(asFloat(a[InfoLocalMtime]), asFloat(b[InfoLocalMtime]), mtimeTol) &&
			asInt(a[InfoLocalSize]) == asInt(b[InfoLocalSize])
	default:
		return false
	}
}

func floatEqual(x, y, tol float64) bool {
	return math.Abs(x-y) <= tol
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// FileState is the 4-tuple described in spec.md §3.
type FileState struct {
	Archive Tag
	Name    string
	Serial  int64
	Info    Info
}

// Absent reports whether the state represents "object not present here".
func (s FileState) Absent() bool {
	return s.Info.Empty()
}

// SyncTriple is produced by a decide transaction (spec.md §4.4): the
// winning source side, the losing target side, and the prior SYNC row.
type SyncTriple struct {
	Source FileState
	Target FileState
	Sync   FileState
}

// Client is the capability set both archive clients implement
// (spec.md §4.2).
type Client interface {
	// ListCandidateFiles returns object names that may have changed.
	// If forced is true, the client performs a full enumeration instead of
	// relying on whatever a notifier has already queued.
	ListCandidateFiles(ctx context.Context, forced bool) (map[string]struct{}, error)

	// RemoveCandidates clears candidate entries for names after a probe
	// round identified by claimID. The local and remote clients in this
	// module do not tag candidates with a claim: they ignore claimID and
	// clear every listed name, including one re-added while the round ran.
	RemoveCandidates(names []string, claimID string)

	// ProbeFile observes the live state of name and returns it. The caller
	// compares the result with oldState to decide whether anything changed.
	ProbeFile(ctx context.Context, name string, oldState, refState FileState, claimID string) (*FileState, error)

	// StageFile prepares a local, readable copy of source for a target to
	// pull from.
	StageFile(ctx context.Context, source FileState) (SourceHandle, error)

	// PrepareTarget returns a handle capable of pulling from a SourceHandle
	// into this archive at target.Name.
	PrepareTarget(ctx context.Context, target FileState) (TargetHandle, error)

	// Notifier returns a best-effort change notifier for this archive.
	Notifier() Notifier

	// Enable clears a disabled flag previously raised after the archive's
	// root became unreachable (container deleted, local root removed),
	// after a disabled archive's root becomes reachable again.
	Enable(ctx context.Context) error
}

// Notifier is a best-effort change watcher, per spec.md §4.2 and §9.
type Notifier interface {
	// Start begins delivering candidate names until ctx is done or Stop is
	// called. changes is the destination for discovered object names.
	Start(ctx context.Context, changes chan<- string) error
	Stop(timeout float64) float64
}

// SourceHandle is returned by StageFile (spec.md §4.2).
type SourceHandle interface {
	// SendFile returns a local filesystem path that a TargetHandle.Pull can
	// read from to obtain the synced content for sync.
	SendFile(ctx context.Context, sync FileState) (string, error)

	// GetSyncedState returns the (possibly updated, if the live object
	// changed during staging) source state to record at ack time.
	GetSyncedState() FileState

	// UnstageFile idempotently releases any staging resources.
	UnstageFile(ctx context.Context) error
}

// TargetHandle is returned by PrepareTarget (spec.md §4.2).
type TargetHandle interface {
	// Pull transfers content from source, hiding/stashing any existing
	// target content as needed, and returns the newly published target
	// state.
	Pull(ctx context.Context, source SourceHandle, sync FileState) (FileState, error)
}
