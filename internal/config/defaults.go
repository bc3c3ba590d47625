package config

// Default values for configuration options, applied before the TOML file is
// decoded so that any field the user omits keeps a safe default.
const (
	defaultStateDirName    = ".archivesync"
	defaultDecideInterval  = "3s"
	defaultActionMaxWait   = "30s"
	defaultMaxAliveThreads = 4
	defaultRetryLimit      = 5
	defaultMtimePrecision  = 1e-4
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// DefaultConfig returns a Config populated with all default values. Used as
// the starting point for TOML decoding so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			DecideInterval:      defaultDecideInterval,
			ActionMaxWait:       defaultActionMaxWait,
			MaxAliveSyncThreads: defaultMaxAliveThreads,
			RetryLimit:          defaultRetryLimit,
			MtimePrecision:      defaultMtimePrecision,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
