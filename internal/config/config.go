// Package config implements TOML configuration loading and validation for
// archivesync, in the same shape as the teacher's internal/config package:
// a typed Config struct with nested per-concern sections, defaults applied
// before the file is parsed, validated after.
package config

// Config is the top-level configuration structure.
type Config struct {
	Archive ArchiveConfig `toml:"archive"`
	Remote  RemoteConfig  `toml:"remote"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

// ArchiveConfig describes the local archive (spec.md §4.2.a).
type ArchiveConfig struct {
	Root     string `toml:"root"`
	StateDir string `toml:"state_dir"`
}

// RemoteConfig describes the remote object-store archive (spec.md §4.2.b).
// Authentication/endpoint discovery is explicitly out of scope per spec.md
// §1; BaseURL and Token are taken as given, already-resolved values.
type RemoteConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// SyncConfig controls engine timing and concurrency (spec.md §4.4, §9).
type SyncConfig struct {
	DecideInterval      string  `toml:"decide_interval"`
	ActionMaxWait       string  `toml:"action_max_wait"`
	MaxAliveSyncThreads int     `toml:"max_alive_sync_threads"`
	RetryLimit          int     `toml:"retry_limit"`
	MtimePrecision      float64 `toml:"mtime_precision"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}
