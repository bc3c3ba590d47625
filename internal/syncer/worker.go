package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/store"
	"github.com/agkyra/archivesync/internal/synerr"
)

// runSync dequeues one triple and drives it through stage -> pull -> ack.
// Whatever the outcome, the object's heartbeat lease is cleared at the end.
func (s *Syncer) runSync(job syncJob) {
	name := job.triple.Source.Name

	handle := &syncWorkerHandle{done: make(chan struct{})}
	s.hb.AttachWorker(name, handle)

	defer close(handle.done)
	defer s.hb.Clear(name)

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.handleSync(ctx, job); err != nil {
		if errors.Is(err, synerr.ErrCollisionSentinel) {
			s.msg.Publish(messager.Message{
				Kind:    messager.KindCollision,
				Name:    name,
				Payload: messager.ErrorPayload{Err: err},
			})
		}

		s.msg.Publish(messager.Message{
			Kind:    messager.KindSyncError,
			Name:    name,
			Payload: messager.ErrorPayload{Err: err},
		})

		var hard *synerr.HardSyncError
		if errors.As(err, &hard) {
			if txErr := s.store.WithTx(ctx, "syncer.register_failed", func(tx *store.Tx) error {
				return tx.AddFailedSerial(ctx, hard.Name, job.decidedSerial)
			}); txErr != nil {
				s.logger.Error("syncer: registering failed serial failed", slog.String("name", name), slog.String("error", txErr.Error()))
			}
		}
	}
}

func (s *Syncer) handleSync(ctx context.Context, job syncJob) error {
	triple := job.triple

	sourceClient := s.clientFor(triple.Source.Archive)
	targetClient := s.clientFor(triple.Target.Archive)

	sourceHandle, err := sourceClient.StageFile(ctx, triple.Source)
	if err != nil {
		return fmt.Errorf("%w: stage %s: %v", synerr.ErrSync, triple.Source.Name, err)
	}
	defer sourceHandle.UnstageFile(ctx)

	targetHandle, err := targetClient.PrepareTarget(ctx, triple.Target)
	if err != nil {
		return fmt.Errorf("%w: prepare_target %s: %v", synerr.ErrSync, triple.Target.Name, err)
	}

	newTargetState, err := targetHandle.Pull(ctx, sourceHandle, triple.Sync)
	if err != nil {
		var hard *synerr.HardSyncError
		if errors.As(err, &hard) {
			return err
		}

		return fmt.Errorf("%w: pull %s: %v", synerr.ErrSync, triple.Target.Name, err)
	}

	syncedSource := sourceHandle.GetSyncedState()

	return s.ack(ctx, triple.Source.Name, syncedSource, newTargetState, job.decidedSerial)
}

// ack implements spec.md §4.4's ack transaction.
func (s *Syncer) ack(ctx context.Context, name string, source, target archive.FileState, decidedSerial int64) error {
	return s.store.WithTx(ctx, "syncer.ack", func(tx *store.Tx) error {
		decision, err := tx.GetState(ctx, archive.Decision, name)
		if err != nil {
			return err
		}

		if decidedSerial != decision.Serial {
			return fmt.Errorf("syncer: invariant violation: ack serial %d does not match DECISION.serial %d for %q", decidedSerial, decision.Serial, name)
		}

		syncRow, err := tx.GetState(ctx, archive.Sync, name)
		if err != nil {
			return err
		}

		if decidedSerial <= syncRow.Serial {
			return fmt.Errorf("%w: serial %d <= sync serial %d for %q", synerr.ErrSync, decidedSerial, syncRow.Serial, name)
		}

		if err := tx.PutState(ctx, archive.FileState{Archive: source.Archive, Name: name, Serial: source.Serial, Info: source.Info}); err != nil {
			return err
		}

		if err := tx.PutState(ctx, archive.FileState{Archive: target.Archive, Name: name, Serial: decidedSerial, Info: target.Info}); err != nil {
			return err
		}

		syncInfo := mergeInfo(source.Info, target.Info)

		if err := tx.PutState(ctx, archive.FileState{Archive: archive.Sync, Name: name, Serial: decidedSerial, Info: syncInfo}); err != nil {
			return err
		}

		if err := tx.PutState(ctx, archive.FileState{Archive: archive.Decision, Name: name, Serial: decidedSerial, Info: syncInfo}); err != nil {
			return err
		}

		s.msg.Publish(messager.Message{
			Kind:    messager.KindAckSync,
			Name:    name,
			Payload: messager.AckSyncPayload{Serial: decidedSerial},
		})

		return nil
	})
}

// mergeInfo merges source and target infos with target keys winning on
// collision, per spec.md §4.4's ack transaction.
func mergeInfo(source, target archive.Info) archive.Info {
	out := source.Clone()
	if out == nil {
		out = archive.Info{}
	}

	for k, v := range target {
		out[k] = v
	}

	return out
}
