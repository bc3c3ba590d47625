package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/heartbeat"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/store"
)

// decideOne runs one decide transaction and, if it produces a sync triple,
// enqueues it, per spec.md §4.4.
func (s *Syncer) decideOne(ctx context.Context, name string) {
	triple, decidedSerial, err := s.runDecide(ctx, name, true)
	if err != nil {
		s.logger.Error("syncer: decide transaction failed", slog.String("name", name), slog.String("error", err.Error()))
		return
	}

	if triple == nil {
		return
	}

	s.msg.Publish(messager.Message{
		Kind:    messager.KindSync,
		Name:    name,
		Payload: messager.SyncPayload{SourceArchive: string(triple.Source.Archive), TargetArchive: string(triple.Target.Archive)},
	})

	select {
	case s.queue <- syncJob{triple: *triple, decidedSerial: decidedSerial}:
	case <-ctx.Done():
	}
}

// previewDecide runs the decide logic read-only (mutate=false), used by
// CheckDecisions to preview without claiming the heartbeat or writing a
// DECISION row.
func (s *Syncer) previewDecide(ctx context.Context, name string) (*archive.SyncTriple, int64, error) {
	return s.runDecide(ctx, name, false)
}

// runDecide implements the decide transaction of spec.md §4.4. When mutate
// is false it only reads state and never claims the heartbeat or writes a
// DECISION row, for CheckDecisions' preview contract.
func (s *Syncer) runDecide(ctx context.Context, name string, mutate bool) (*archive.SyncTriple, int64, error) {
	if mutate {
		switch s.hb.TryDecide(name) {
		case heartbeat.DecideSkipNoDecide:
			s.msg.Publish(messager.Message{Kind: messager.KindHeartbeatNoDecide, Name: name})
			return nil, 0, nil
		case heartbeat.DecideSkipStale:
			s.msg.Publish(messager.Message{Kind: messager.KindHeartbeatSkipDecide, Name: name})
			return nil, 0, nil
		case heartbeat.DecideReplay:
			s.msg.Publish(messager.Message{Kind: messager.KindHeartbeatReplayDecide, Name: name})
		}
	}

	var (
		triple        *archive.SyncTriple
		decidedSerial int64
	)

	err := s.store.WithTx(ctx, "syncer.decide", func(tx *store.Tx) error {
		master, err := tx.GetState(ctx, archive.Master, name)
		if err != nil {
			return err
		}

		slave, err := tx.GetState(ctx, archive.Slave, name)
		if err != nil {
			return err
		}

		sync, err := tx.GetState(ctx, archive.Sync, name)
		if err != nil {
			return err
		}

		decision, err := tx.GetState(ctx, archive.Decision, name)
		if err != nil {
			return err
		}

		ms, ss, syncSerial, decSerial := master.Serial, slave.Serial, sync.Serial, decision.Serial

		if decSerial != syncSerial {
			failed, err := tx.IsFailedSerial(ctx, name, decSerial)
			if err != nil {
				return err
			}

			if failed {
				s.msg.Publish(messager.Message{Kind: messager.KindFailedSyncIgnoreDecision, Name: name})
			} else {
				switch decSerial {
				case ms:
					triple, decidedSerial = &archive.SyncTriple{Source: master, Target: slave, Sync: sync}, decSerial
					return nil
				case ss:
					triple, decidedSerial = &archive.SyncTriple{Source: slave, Target: master, Sync: sync}, decSerial
					return nil
				default:
					return fmt.Errorf("syncer: invariant violation: decision serial %d for %q matches neither archive", decSerial, name)
				}
			}
		}

		switch {
		case ms > syncSerial:
			decidedSerial = ms
			triple = &archive.SyncTriple{Source: master, Target: slave, Sync: sync}

			if mutate {
				if err := tx.PutState(ctx, archive.FileState{Archive: archive.Decision, Name: name, Serial: ms, Info: master.Info}); err != nil {
					return err
				}
			}

		case ms == syncSerial:
			switch {
			case ss > syncSerial:
				decidedSerial = ss
				triple = &archive.SyncTriple{Source: slave, Target: master, Sync: sync}

				if mutate {
					if err := tx.PutState(ctx, archive.FileState{Archive: archive.Decision, Name: name, Serial: ss, Info: slave.Info}); err != nil {
						return err
					}
				}

			case ss == syncSerial:
				return nil

			default:
				return fmt.Errorf("syncer: invariant violation: SLAVE.serial %d < SYNC.serial %d for %q", ss, syncSerial, name)
			}

		default:
			return fmt.Errorf("syncer: invariant violation: MASTER.serial %d < SYNC.serial %d for %q", ms, syncSerial, name)
		}

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if triple != nil && mutate {
		s.hb.StartDecide(name)
	}

	return triple, decidedSerial, nil
}
