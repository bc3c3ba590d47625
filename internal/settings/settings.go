// Package settings holds the immutable runtime configuration for the sync
// engine (spec.md §4, "Settings"): root paths, cache sub-paths, action
// timeouts, worker-pool size, retry limits, and mtime precision.
package settings

import (
	"fmt"
	"path/filepath"
	"time"
)

// Cache sub-path names under the local archive root, per spec.md §6.
const (
	CacheDirName    = ".archivesync-cache"
	StagedSubdir    = "staged"
	HiddenSubdir    = "hidden"
	FetchedSubdir   = "fetched"
)

// Defaults, chosen per spec.md §4.3/§4.4/§9.
const (
	DefaultActionMaxWait      = 30 * time.Second
	DefaultMaxAliveSyncThreads = 4
	DefaultRetryLimit          = 5
	DefaultMtimePrecision      = 1e-4 // seconds, per spec.md §9
	DefaultDecideInterval      = 3 * time.Second
	DefaultDatabaseBusyBase    = 400 * time.Millisecond
	DefaultDatabaseBusyCap     = 60 * time.Second
	DefaultDatabaseBusyMult    = 1.1
)

// Settings is the frozen configuration consumed by the syncer and both
// archive clients. Start from Defaults (config.Resolve does this); once
// built, fields are read-only by convention (the fields are exported, so
// nothing enforces it, but the engine only ever reads through the
// *Settings it is handed).
type Settings struct {
	LocalRoot  string // absolute path to the local archive root
	StateDir   string // directory holding the state database and config, outside LocalRoot
	RemoteBase string // base URL of the remote object-store container
	RemoteAuth string // bearer token for the remote archive, per SPEC_FULL.md §3

	ActionMaxWait       time.Duration
	MaxAliveSyncThreads int
	RetryLimit          int
	MtimePrecision      float64
	DecideInterval      time.Duration

	DatabaseBusyBase time.Duration
	DatabaseBusyCap  time.Duration
	DatabaseBusyMult float64
}

// CacheDir returns the cache root under LocalRoot.
func (s *Settings) CacheDir() string {
	return filepath.Join(s.LocalRoot, CacheDirName)
}

// StagedDir returns the source-side staging sub-tree.
func (s *Settings) StagedDir() string {
	return filepath.Join(s.CacheDir(), StagedSubdir)
}

// HiddenDir returns the target-side hide sub-tree.
func (s *Settings) HiddenDir() string {
	return filepath.Join(s.CacheDir(), HiddenSubdir)
}

// FetchedDir returns the remote-download sub-tree.
func (s *Settings) FetchedDir() string {
	return filepath.Join(s.CacheDir(), FetchedSubdir)
}

// DBPath returns the path to the state database file.
func (s *Settings) DBPath() string {
	return filepath.Join(s.StateDir, "archivesync.db")
}

// Validate checks that required fields are populated.
func (s *Settings) Validate() error {
	if s.LocalRoot == "" {
		return fmt.Errorf("settings: local_root is required")
	}

	if s.StateDir == "" {
		return fmt.Errorf("settings: state_dir is required")
	}

	if s.RemoteBase == "" {
		return fmt.Errorf("settings: remote_base is required")
	}

	if s.MaxAliveSyncThreads <= 0 {
		return fmt.Errorf("settings: max_alive_sync_threads must be positive")
	}

	return nil
}

// Defaults returns a Settings with every optional field set to its default.
// Callers must still set LocalRoot, StateDir, RemoteBase, and RemoteAuth.
func Defaults() *Settings {
	return &Settings{
		ActionMaxWait:       DefaultActionMaxWait,
		MaxAliveSyncThreads: DefaultMaxAliveSyncThreads,
		RetryLimit:          DefaultRetryLimit,
		MtimePrecision:      DefaultMtimePrecision,
		DecideInterval:      DefaultDecideInterval,
		DatabaseBusyBase:    DefaultDatabaseBusyBase,
		DatabaseBusyCap:     DefaultDatabaseBusyCap,
		DatabaseBusyMult:    DefaultDatabaseBusyMult,
	}
}
