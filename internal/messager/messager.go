// Package messager implements the bounded, multi-producer/single-consumer
// event queue described in spec.md §4 ("Messager") and §6 (event type
// contract). Producers never block on a full queue; instead an overflow is
// dropped and counted, matching the drop-and-log policy the teacher uses
// for filesystem watch events (internal/sync/observer_local.go trySend).
package messager

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Kind identifies a Messager event type. Names match spec.md §6 verbatim.
type Kind string

// Event kinds, per spec.md §6.
const (
	KindUpdate                   Kind = "UpdateMessage"
	KindSync                     Kind = "SyncMessage"
	KindAckSync                  Kind = "AckSyncMessage"
	KindSyncError                Kind = "SyncErrorMessage"
	KindCollision                Kind = "CollisionMessage"
	KindConflictStash            Kind = "ConflictStashMessage"
	KindLiveInfoUpdate           Kind = "LiveInfoUpdateMessage"
	KindIgnoreProbe              Kind = "IgnoreProbeMessage"
	KindAlreadyProbed            Kind = "AlreadyProbedMessage"
	KindHeartbeatNoProbe         Kind = "HeartbeatNoProbeMessage"
	KindHeartbeatNoDecide        Kind = "HeartbeatNoDecideMessage"
	KindHeartbeatReplayDecide    Kind = "HeartbeatReplayDecideMessage"
	KindHeartbeatSkipDecide      Kind = "HeartbeatSkipDecideMessage"
	KindFailedSyncIgnoreDecision Kind = "FailedSyncIgnoreDecisionMessage"
	KindLocalfsSyncEnabled       Kind = "LocalfsSyncEnabled"
	KindLocalfsSyncDisabled      Kind = "LocalfsSyncDisabled"
	KindRemoteSyncEnabled        Kind = "PithosSyncEnabled"
	KindRemoteSyncDisabled       Kind = "PithosSyncDisabled"
	KindRemoteAuthTokenError     Kind = "PithosAuthTokenError"
	KindRemoteGenericError       Kind = "PithosGenericError"
)

// Message is a single tagged event. Payload is a concrete struct specific
// to Kind (e.g. UpdatePayload for KindUpdate); consumers type-switch on
// Kind and assert the Payload accordingly.
type Message struct {
	Kind    Kind
	Archive string // archive tag the event pertains to, when applicable
	Name    string // object name the event pertains to, when applicable
	Payload any
}

// UpdatePayload accompanies KindUpdate.
type UpdatePayload struct {
	OldSerial int64
	NewSerial int64
}

// SyncPayload accompanies KindSync.
type SyncPayload struct {
	SourceArchive string
	TargetArchive string
}

// AckSyncPayload accompanies KindAckSync.
type AckSyncPayload struct {
	Serial int64
}

// ErrorPayload accompanies the *Error* and *Collision* message kinds.
type ErrorPayload struct {
	Err error
}

// defaultCapacity is the default bound on the event queue.
const defaultCapacity = 256

// Messager is a bounded event queue with non-blocking producers and a
// single drainable consumer channel.
type Messager struct {
	ch      chan Message
	dropped atomic.Int64
	logger  *slog.Logger
}

// New creates a Messager with the given capacity (0 uses the default).
func New(capacity int, logger *slog.Logger) *Messager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	return &Messager{
		ch:     make(chan Message, capacity),
		logger: logger,
	}
}

// Publish enqueues a message without blocking. If the queue is full, the
// message is dropped and counted; Dropped() exposes the running total so
// callers can surface backpressure.
func (m *Messager) Publish(msg Message) {
	select {
	case m.ch <- msg:
	default:
		m.dropped.Add(1)
		m.logger.Warn("messager: queue full, dropping message",
			slog.String("kind", string(msg.Kind)),
			slog.String("name", msg.Name))
	}
}

// Dropped returns the number of messages dropped due to a full queue.
func (m *Messager) Dropped() int64 {
	return m.dropped.Load()
}

// Next blocks until a message is available or ctx is done.
func (m *Messager) Next(ctx context.Context) (Message, bool) {
	select {
	case msg := <-m.ch:
		return msg, true
	case <-ctx.Done():
		return Message{}, false
	}
}

// Drain consumes and returns every message currently buffered without
// blocking. Used by tests that assert on an exact sequence of messages.
func (m *Messager) Drain() []Message {
	var out []Message

	for {
		select {
		case msg := <-m.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}
