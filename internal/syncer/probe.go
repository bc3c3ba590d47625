package syncer

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/heartbeat"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/store"
)

// probeArchive drains tag's candidate set and runs a probe transaction per
// name, per spec.md §4.4's probe transaction description.
func (s *Syncer) probeArchive(ctx context.Context, tag archive.Tag, forced bool) error {
	client := s.clientFor(tag)

	candidates, err := client.ListCandidateFiles(ctx, forced)
	if err != nil {
		return err
	}

	claimID := uuid.NewString()

	for name := range candidates {
		s.probeOne(ctx, tag, name, claimID)
		client.RemoveCandidates([]string{name}, claimID)
	}

	return nil
}

// probeOne runs one probe transaction, per spec.md §4.4.
func (s *Syncer) probeOne(ctx context.Context, tag archive.Tag, name string, claimID string) {
	if outcome := s.hb.TryProbe(name); outcome == heartbeat.ProbeSkipNoProbe {
		s.msg.Publish(messager.Message{Kind: messager.KindHeartbeatNoProbe, Archive: string(tag), Name: name})
		return
	}

	client := s.clientFor(tag)

	err := s.store.WithTx(ctx, "syncer.probe", func(tx *store.Tx) error {
		dbState, err := tx.GetState(ctx, tag, name)
		if err != nil {
			return err
		}

		refState, err := tx.GetState(ctx, archive.Sync, name)
		if err != nil {
			return err
		}

		if dbState.Serial != refState.Serial {
			s.msg.Publish(messager.Message{Kind: messager.KindAlreadyProbed, Archive: string(tag), Name: name})
			return nil
		}

		live, err := client.ProbeFile(ctx, name, dbState, refState, claimID)
		if err != nil || live == nil {
			return err
		}

		if archive.Equal(dbState.Info, live.Info, s.settings.MtimePrecision) {
			return nil
		}

		newSerial, err := tx.NewSerial(ctx, name)
		if err != nil {
			return err
		}

		if err := tx.PutState(ctx, archive.FileState{Archive: tag, Name: name, Serial: newSerial, Info: live.Info}); err != nil {
			return err
		}

		if newSerial == 0 {
			if err := tx.PutState(ctx, archive.FileState{Archive: archive.Sync, Name: name, Serial: archive.NeverSeen, Info: archive.Info{}}); err != nil {
				return err
			}
		}

		s.msg.Publish(messager.Message{
			Kind:    messager.KindUpdate,
			Archive: string(tag),
			Name:    name,
			Payload: messager.UpdatePayload{OldSerial: dbState.Serial, NewSerial: newSerial},
		})

		return nil
	})
	if err != nil {
		s.logger.Error("syncer: probe transaction failed", slog.String("archive", string(tag)), slog.String("name", name), slog.String("error", err.Error()))
	}
}
