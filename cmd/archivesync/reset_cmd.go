package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agkyra/archivesync/internal/archive/local"
	"github.com/agkyra/archivesync/internal/archive/remote"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/syncer"
)

// newResetCmd builds the reset command: the operator-facing trigger for
// wiping archive state and re-enabling sync after a disabled archive
// (container deleted, local root removed) has been fixed and sync should
// resume from a clean slate. Refuses to run while a watch daemon is alive,
// since a concurrent decide round racing the purge would observe
// half-wiped state.
func newResetCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe archive state and re-enable a disabled sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return fmt.Errorf("refusing to wipe archive state without --yes")
			}

			return runReset(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the archive state wipe")

	return cmd
}

func runReset(ctx context.Context) error {
	cc := mustCLIContext(ctx)

	pidPath := filepath.Join(cc.Settings.StateDir, "archivesync.pid")
	if _, alive := daemonAlive(pidPath); alive {
		return fmt.Errorf("watch daemon is running; stop it before resetting")
	}

	st, err := openStore(cc.Settings, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	msg := messager.New(1, cc.Logger)
	master := remote.New(cc.Settings, st, msg, cc.Logger)
	slave := local.New(cc.Settings, st, msg, cc.Logger)
	sy := syncer.New(cc.Settings, st, msg, master, slave, cc.Logger)

	if err := sy.PurgeAndEnable(ctx); err != nil {
		return fmt.Errorf("resetting archive state: %w", err)
	}

	fmt.Println("Archive state wiped; sync re-enabled.")

	return nil
}
