package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, applying defaults for any
// field the file omits, then validates the result. Mirrors the teacher's
// internal/config.Load shape, minus the multi-drive/profile layering this
// single-archive-pair tool has no use for.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", slog.String("path", path))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Archive.StateDir == "" {
		cfg.Archive.StateDir = filepath.Join(cfg.Archive.Root, "..", defaultStateDirName)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	logger.Info("config loaded", slog.String("path", path), slog.String("archive_root", cfg.Archive.Root))

	return cfg, nil
}

// Validate checks that required fields are present and well-formed.
func Validate(cfg *Config) error {
	if cfg.Archive.Root == "" {
		return fmt.Errorf("archive.root is required")
	}

	if !filepath.IsAbs(cfg.Archive.Root) {
		return fmt.Errorf("archive.root must be an absolute path, got %q", cfg.Archive.Root)
	}

	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}

	if cfg.Sync.MaxAliveSyncThreads <= 0 {
		return fmt.Errorf("sync.max_alive_sync_threads must be positive")
	}

	return nil
}
