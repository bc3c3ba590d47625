// Package heartbeat implements the per-object lease described in spec.md
// §4.3: a process-wide registry that serializes probe, decide, and sync
// across workers for a given object name. It is sharded into buckets keyed
// by a hash of the object name, following the "sharded mutex map" shape
// spec.md §9 asks for in place of a single global lock.
package heartbeat

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const bucketCount = 32

// WorkerHandle reports whether the sync goroutine associated with a lease
// is still running. Implemented by *syncer.syncWorker.
type WorkerHandle interface {
	Alive() bool
}

// lease is the record stored per object name: spec.md's
// {claim_id, worker-handle-or-none, timestamp}.
type lease struct {
	claimID uuid.UUID
	worker  WorkerHandle
	at      time.Time
}

type bucket struct {
	mu      sync.Mutex
	leases  map[string]*lease
}

// Registry is the heartbeat registry.
type Registry struct {
	buckets      [bucketCount]*bucket
	actionMaxWait time.Duration
}

// New creates a Registry. actionMaxWait is spec.md's action_max_wait: the
// age beyond which a stale decide-time lease (sync worker never started, or
// finished without clearing) is ignored and replayed.
func New(actionMaxWait time.Duration) *Registry {
	r := &Registry{actionMaxWait: actionMaxWait}
	for i := range r.buckets {
		r.buckets[i] = &bucket{leases: make(map[string]*lease)}
	}

	return r
}

func bucketIndex(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))

	return int(h.Sum32() % bucketCount)
}

func (r *Registry) bucketFor(name string) *bucket {
	return r.buckets[bucketIndex(name)]
}

// ProbeOutcome is the result of TryProbe.
type ProbeOutcome int

// Outcomes for TryProbe.
const (
	ProbeProceed ProbeOutcome = iota
	ProbeSkipNoProbe
)

// TryProbe consults the registry before a probe transaction, per spec.md
// §4.3: "if a record exists and (worker is nil or worker is alive), skip
// probing".
func (r *Registry) TryProbe(name string) ProbeOutcome {
	b := r.bucketFor(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leases[name]
	if !ok {
		return ProbeProceed
	}

	if l.worker == nil || l.worker.Alive() {
		return ProbeSkipNoProbe
	}

	return ProbeProceed
}

// DecideOutcome is the result of TryDecide.
type DecideOutcome int

// Outcomes for TryDecide.
const (
	DecideProceed DecideOutcome = iota
	DecideSkipNoDecide
	DecideSkipStale // HeartbeatSkipDecideMessage: lease too young to replay
	DecideReplay    // HeartbeatReplayDecideMessage: lease stale enough to ignore
)

// TryDecide consults the registry before a decide transaction, per spec.md
// §4.3.
func (r *Registry) TryDecide(name string) DecideOutcome {
	b := r.bucketFor(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leases[name]
	if !ok {
		return DecideProceed
	}

	if l.worker == nil || l.worker.Alive() {
		return DecideSkipNoDecide
	}

	// Worker is dead; check the staleness window.
	if time.Since(l.at) < r.actionMaxWait {
		return DecideSkipStale
	}

	delete(b.leases, name)

	return DecideReplay
}

// StartDecide claims the object for a decide that is about to produce a
// sync triple. Writes a lease with worker=nil, as spec.md §4.3 requires.
// Call must hold no prior successful TryDecide==DecideSkip* result.
func (r *Registry) StartDecide(name string) uuid.UUID {
	b := r.bucketFor(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New()
	b.leases[name] = &lease{claimID: id, at: time.Now()}

	return id
}

// AttachWorker fills in the worker field of an existing lease when the sync
// thread starts, per spec.md §4.3.
func (r *Registry) AttachWorker(name string, worker WorkerHandle) {
	b := r.bucketFor(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.leases[name]; ok {
		l.worker = worker
		l.at = time.Now()
	}
}

// Clear removes the lease for name, called after ack (success or failure),
// per spec.md §4.3 and the sync-worker failure semantics in §4.4.
func (r *Registry) Clear(name string) {
	b := r.bucketFor(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.leases, name)
}
