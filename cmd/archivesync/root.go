package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agkyra/archivesync/internal/config"
	"github.com/agkyra/archivesync/internal/messager"
	"github.com/agkyra/archivesync/internal/settings"
	"github.com/agkyra/archivesync/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that handle config loading themselves.
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles what every subcommand starts from: the resolved
// settings and a logger.
// Created once in PersistentPreRunE.
type CLIContext struct {
	Settings *settings.Settings
	Logger   *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics — a programmer error,
// since the command tree guarantees PersistentPreRunE populated it before
// any RunE not annotated with skipConfigAnnotation executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation)")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "archivesync",
		Short:   "Bidirectional filesystem/object-store synchronizer",
		Long:    "Synchronizes a local filesystem directory with a remote HTTP object-store container.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath(), "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

// defaultConfigPath returns $HOME/.archivesync.toml, mirroring the teacher's
// per-user default config location.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".archivesync.toml"
	}

	return home + "/.archivesync.toml"
}

// loadConfig parses the TOML config, resolves it into settings, and stores
// the result plus a configured logger in the command's context.
func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger()

	cfg, err := config.Load(flagConfigPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := config.Resolve(cfg)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}

	cc := &CLIContext{Settings: s, Logger: logger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates a logger whose level is controlled by the mutually
// exclusive --verbose/--debug/--quiet flags. Flags always win over config
// file defaults since config isn't parsed yet when this runs.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// openStore opens the state database for the resolved settings.
func openStore(s *settings.Settings, logger *slog.Logger) (*store.Store, error) {
	busy := store.BusyPolicy{
		Base: s.DatabaseBusyBase,
		Cap:  s.DatabaseBusyCap,
		Mult: s.DatabaseBusyMult,
	}

	return store.Open(s.DBPath(), busy, logger)
}

// newMessager builds the shared event bus used by the syncer and the
// collaborator surfaces (events command, GUI session).
func newMessager(logger *slog.Logger) *messager.Messager {
	const messagerCapacity = 1024

	return messager.New(messagerCapacity, logger)
}
