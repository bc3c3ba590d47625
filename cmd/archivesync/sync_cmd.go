package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/agkyra/archivesync/internal/archive/local"
	"github.com/agkyra/archivesync/internal/archive/remote"
	"github.com/agkyra/archivesync/internal/syncer"
)

// newSyncCmd builds the one-shot sync command: probe both archives, decide
// every candidate object, sync, and exit. Mirrors the shape of the
// teacher's sync command (sync.go) minus --watch, which is its own
// subcommand here since daemon mode needs PID-file locking and signal
// handling that a one-shot run does not.
func newSyncCmd() *cobra.Command {
	var flagTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one probe/decide/sync cycle and exit",
		Long: `Run a single synchronization cycle between the local archive and the
remote object-store container: probe both sides for changes, decide which
objects need syncing, sync them, then exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), flagTimeout)
		},
	}

	cmd.Flags().DurationVar(&flagTimeout, "timeout", 2*time.Minute, "overall time budget for the sync cycle")

	return cmd
}

func runSync(ctx context.Context, timeout time.Duration) error {
	cc := mustCLIContext(ctx)

	st, err := openStore(cc.Settings, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	msg := newMessager(cc.Logger)

	master := remote.New(cc.Settings, st, msg, cc.Logger)
	slave := local.New(cc.Settings, st, msg, cc.Logger)

	sy := syncer.New(cc.Settings, st, msg, master, slave, cc.Logger)

	cc.Logger.Info("sync: starting one-shot cycle", slog.Duration("timeout", timeout))

	if err := sy.RunOnce(ctx, timeout); err != nil {
		return fmt.Errorf("sync cycle failed: %w", err)
	}

	cc.Logger.Info("sync: cycle complete")

	return nil
}
