package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agkyra/archivesync/internal/archive"
	"github.com/agkyra/archivesync/internal/archive/local"
	"github.com/agkyra/archivesync/internal/archive/remote"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/syncer"
)

// newStatusCmd builds the status command: report whether a watch daemon is
// running against this state directory, the state database's size and last
// modification time, and a preview of objects currently pending a decide.
// Grounded on the teacher's status.go for the "summarize persistent state,
// don't mutate it" shape, using github.com/dustin/go-humanize for the
// byte/time formatting the teacher's format.go hand-rolled.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pending-sync status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	cc := mustCLIContext(ctx)

	pidPath := filepath.Join(cc.Settings.StateDir, "archivesync.pid")

	if pid, alive := daemonAlive(pidPath); alive {
		fmt.Printf("Daemon:   running (pid %d)\n", pid)
	} else {
		fmt.Println("Daemon:   not running")
	}

	dbPath := cc.Settings.DBPath()

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("State DB: %s (%s, modified %s)\n", dbPath, humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
	} else {
		fmt.Printf("State DB: %s (not yet created)\n", dbPath)
		return nil
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

	pending, err := sy.CheckDecisions(ctx)
	if err != nil {
		return fmt.Errorf("checking pending decisions: %w", err)
	}

	total := len(pending[archive.Master]) + len(pending[archive.Slave])
	if total == 0 {
		fmt.Println("Pending:  nothing to sync")
		return nil
	}

	fmt.Printf("Pending:  %d object(s)\n", total)

	for _, name := range pending[archive.Master] {
		fmt.Printf("  remote -> local: %s\n", name)
	}

	for _, name := range pending[archive.Slave] {
		fmt.Printf("  local -> remote: %s\n", name)
	}

	return nil
}

// daemonAlive reads the watch daemon's PID file and checks whether the
// process is still alive, mirroring the teacher's sendSIGHUP liveness probe
// minus the signal delivery (status only reports, it never signals).
func daemonAlive(pidPath string) (pid int, alive bool) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return 0, false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}

	return pid, true
}
