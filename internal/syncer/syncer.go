// Package syncer implements the orchestrator described in spec.md §4.4 and
// §5: it owns the notifiers, the periodic decide loop, the probe/decide/
// ack transactions, and the bounded sync-worker pool. Modeled on the shape
// of the teacher's internal/sync.Orchestrator (orchestrator.go): one struct
// wiring together a store, a messager, a heartbeat registry, and the two
// archive clients, with public Start/Stop-style operations that compose
// timeout budgets the way the teacher's stop_all_daemons-equivalent does.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/heartbeat"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/periodic"
	"github.com/agkyra/archivesync/internal/settings"
	"github.com/agkyra/archivesync/internal/store"
)

// Syncer is the orchestrator. Construct with New, then call InitiateProbe
// and StartDecide to begin active synchronization.
type Syncer struct {
	settings *settings.Settings
	store    *store.Store
	msg      *messager.Messager
	hb       *heartbeat.Registry
	logger   *slog.Logger

	master archive.Client // remote, tag MASTER
	slave  archive.Client // local, tag SLAVE

	queue chan syncJob
	pool  *errgroup.Group
	ctx   context.Context

	decideWorker *periodic.Worker

	notifierCancel context.CancelFunc
}

// syncJob pairs a decided triple with the serial the decide transaction
// committed it at, since the ack transaction must assert against that exact
// value (spec.md §4.4's "if the ack's serial does not equal
// DECISION.serial... assert").
type syncJob struct {
	triple        archive.SyncTriple
	decidedSerial int64
}

// syncWorkerHandle satisfies heartbeat.WorkerHandle: Alive() reports
// whether the sync goroutine for this lease is still running.
type syncWorkerHandle struct {
	done chan struct{}
}

func (h *syncWorkerHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

const queueCapacity = 256

// New builds a Syncer. master and slave must be the remote and local
// archive.Client implementations respectively.
func New(s *settings.Settings, st *store.Store, msg *messager.Messager, master, slave archive.Client, logger *slog.Logger) *Syncer {
	sy := &Syncer{
		settings: s,
		store:    st,
		msg:      msg,
		hb:       heartbeat.New(s.ActionMaxWait),
		logger:   logger,
		master:   master,
		slave:    slave,
		queue:    make(chan syncJob, queueCapacity),
	}

	return sy
}

func (s *Syncer) clientFor(tag archive.Tag) archive.Client {
	if tag == archive.Master {
		return s.master
	}

	return s.slave
}

// InitiateProbe starts both notifiers and runs one forced probe round over
// both archives, per spec.md §4.4.
func (s *Syncer) InitiateProbe(ctx context.Context) error {
	notifierCtx, cancel := context.WithCancel(ctx)
	s.notifierCancel = cancel

	changes := make(chan string, queueCapacity)

	if err := s.master.Notifier().Start(notifierCtx, changes); err != nil {
		cancel()
		return fmt.Errorf("syncer: starting remote notifier: %w", err)
	}

	if err := s.slave.Notifier().Start(notifierCtx, changes); err != nil {
		cancel()
		return fmt.Errorf("syncer: starting local notifier: %w", err)
	}

	go s.drainNotifierChanges(notifierCtx, changes)

	if err := s.probeAll(ctx, true); err != nil {
		return err
	}

	return nil
}

// drainNotifierChanges exists only for the local notifier's push-style
// candidate delivery; the remote poller deposits candidates directly into
// its own client-held set instead of using this channel (see
// internal/archive/remote/poller.go). We do not need the names here:
// ListCandidateFiles(forced=false) reads straight from each client's own
// candidate map, so this goroutine's only job is to keep the channel
// drained so the local notifier never blocks on it.
func (s *Syncer) drainNotifierChanges(ctx context.Context, changes <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
	}
}

// probeAll runs a probe round over both archives.
func (s *Syncer) probeAll(ctx context.Context, forced bool) error {
	if err := s.probeArchive(ctx, archive.Master, forced); err != nil {
		return err
	}

	return s.probeArchive(ctx, archive.Slave, forced)
}

// StartDecide launches the periodic decide loop: every DecideInterval,
// probe both archives (not forced) then decide every deciding object, per
// spec.md §4.4.
func (s *Syncer) StartDecide(ctx context.Context) {
	s.ctx = ctx
	s.pool = new(errgroup.Group)
	s.pool.SetLimit(s.settings.MaxAliveSyncThreads)

	go s.dispatchLoop(ctx)

	s.decideWorker = periodic.New(s.settings.DecideInterval, s.decideRound, s.logger)
	s.decideWorker.Start(ctx)
}

// RunOnce drives a single probe+decide+sync cycle synchronously: it starts
// both notifiers, runs one forced probe round, decides every candidate
// object, waits for the dispatched sync workers to finish, then stops the
// notifiers. This is the one-shot command's entry point; daemon mode uses
// InitiateProbe/StartDecide instead, which keep the notifiers and decide
// loop running indefinitely.
func (s *Syncer) RunOnce(ctx context.Context, timeout time.Duration) error {
	s.ctx = ctx
	s.pool = new(errgroup.Group)
	s.pool.SetLimit(s.settings.MaxAliveSyncThreads)

	go s.dispatchLoop(ctx)

	if err := s.InitiateProbe(ctx); err != nil {
		return err
	}

	s.decideRound(ctx)

	if err := s.WaitSyncThreads(timeout); err != nil {
		return err
	}

	s.StopAllDaemons(timeout)

	return nil
}

func (s *Syncer) decideRound(ctx context.Context) {
	if err := s.probeAll(ctx, false); err != nil {
		s.logger.Warn("syncer: probe round failed", slog.String("error", err.Error()))
		return
	}

	names, err := s.decidingNames(ctx)
	if err != nil {
		s.logger.Warn("syncer: listing deciding objects failed", slog.String("error", err.Error()))
		return
	}

	for _, name := range names {
		s.decideOne(ctx, name)
	}
}

func (s *Syncer) decidingNames(ctx context.Context) ([]string, error) {
	var names []string

	err := s.store.WithTx(ctx, "syncer.list_deciding", func(tx *store.Tx) error {
		n, err := tx.ListDeciding(ctx, []archive.Tag{archive.Master, archive.Slave}, archive.Sync)
		names = n

		return err
	})

	return names, err
}

func (s *Syncer) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			job := job
			s.pool.Go(func() error {
				s.runSync(job)
				return nil
			})
		}
	}
}

// StopDecide stops the periodic decide loop, returning the remaining
// budget.
func (s *Syncer) StopDecide(timeout time.Duration) time.Duration {
	if s.decideWorker == nil {
		return timeout
	}

	return s.decideWorker.Stop(timeout)
}

// StopAllDaemons stops decide then both notifiers, sharing one time budget
// across the stops, per spec.md §4.4.
func (s *Syncer) StopAllDaemons(timeout time.Duration) time.Duration {
	remaining := s.StopDecide(timeout)

	if s.notifierCancel != nil {
		s.notifierCancel()
	}

	remainingSeconds := s.master.Notifier().Stop(remaining.Seconds())
	remainingSeconds = s.slave.Notifier().Stop(remainingSeconds)

	return time.Duration(remainingSeconds * float64(time.Second))
}

// WaitSyncThreads joins all currently-launched sync workers up to timeout.
func (s *Syncer) WaitSyncThreads(timeout time.Duration) error {
	if s.pool == nil {
		return nil
	}

	done := make(chan error, 1)

	go func() { done <- s.pool.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("syncer: wait_sync_threads timed out after %s", timeout)
	}
}

// CheckDecisions dry-runs decide logic for the current deciding set and
// returns, grouped by source archive, the names that would be synced.
func (s *Syncer) CheckDecisions(ctx context.Context) (map[archive.Tag][]string, error) {
	names, err := s.decidingNames(ctx)
	if err != nil {
		return nil, err
	}

	out := map[archive.Tag][]string{}

	for _, name := range names {
		triple, _, err := s.previewDecide(ctx, name)
		if err != nil {
			s.logger.Warn("syncer: check_decisions preview failed", slog.String("name", name), slog.String("error", err.Error()))
			continue
		}

		if triple == nil {
			continue
		}

		out[triple.Source.Archive] = append(out[triple.Source.Archive], name)
	}

	return out, nil
}

// PurgeAndEnable wipes every archive row, serial
// counter, and failed-serial entry, then re-enables both archive clients so
// the next probe round starts from a clean slate. Callers are responsible
// for having already stopped the daemons (StopAllDaemons) before calling
// this, since a concurrent decide round racing the purge would observe a
// half-wiped state.
func (s *Syncer) PurgeAndEnable(ctx context.Context) error {
	if err := s.store.WithTx(ctx, "syncer.purge_and_enable", func(tx *store.Tx) error {
		return tx.PurgeArchives(ctx)
	}); err != nil {
		return fmt.Errorf("syncer: purge archives: %w", err)
	}

	if err := s.master.Enable(ctx); err != nil {
		return fmt.Errorf("syncer: enable master: %w", err)
	}

	if err := s.slave.Enable(ctx); err != nil {
		return fmt.Errorf("syncer: enable slave: %w", err)
	}

	return nil
}
