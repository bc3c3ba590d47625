package config

import (
	"fmt"
	"time"

	"github.com/agkyra/archivesync/internal/settings"
)

// Resolve converts a parsed Config into a frozen Settings, parsing the
// duration strings and applying settings.Defaults() values for anything the
// config left at its zero value.
func Resolve(cfg *Config) (*settings.Settings, error) {
	s := settings.Defaults()
	s.LocalRoot = cfg.Archive.Root
	s.StateDir = cfg.Archive.StateDir
	s.RemoteBase = cfg.Remote.BaseURL
	s.RemoteAuth = cfg.Remote.Token

	if cfg.Sync.DecideInterval != "" {
		d, err := time.ParseDuration(cfg.Sync.DecideInterval)
		if err != nil {
			return nil, fmt.Errorf("config: sync.decide_interval: %w", err)
		}

		s.DecideInterval = d
	}

	if cfg.Sync.ActionMaxWait != "" {
		d, err := time.ParseDuration(cfg.Sync.ActionMaxWait)
		if err != nil {
			return nil, fmt.Errorf("config: sync.action_max_wait: %w", err)
		}

		s.ActionMaxWait = d
	}

	if cfg.Sync.MaxAliveSyncThreads > 0 {
		s.MaxAliveSyncThreads = cfg.Sync.MaxAliveSyncThreads
	}

	if cfg.Sync.RetryLimit > 0 {
		s.RetryLimit = cfg.Sync.RetryLimit
	}

	if cfg.Sync.MtimePrecision > 0 {
		s.MtimePrecision = cfg.Sync.MtimePrecision
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}
