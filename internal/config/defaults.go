package config

import "path/filepath"

// Default values for configuration options. These represent "layer 0" of the
// override chain and work without any config file.
const (
	defaultListen           = "127.0.0.1:8460"
	defaultServerDBName     = "ledger.db"
	defaultClientDBName     = "client.db"
	defaultCredentialsName  = "credentials.json"
	defaultPIDName          = "ledgersync.pid"
	defaultMaxPushRows      = 5000
	defaultShutdownTimeout  = "15s"
	defaultPullLimit        = 500
	defaultMaxPullLimit     = 2000
	defaultRefreshTokenDays = 30
	minRefreshTokenDays     = 1
	maxRefreshTokenDays     = 365
	defaultPollInterval     = "5m"
	defaultRequestTimeout   = "30s"
	defaultPushBatchSize    = 200
	defaultTriggerRate      = "2s"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	return &Config{
		Server: ServerConfig{
			Listen:          defaultListen,
			DBPath:          joinIfSet(dataDir, defaultServerDBName),
			PIDFile:         joinIfSet(dataDir, defaultPIDName),
			MaxPushRows:     defaultMaxPushRows,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Pull: PullConfig{
			DefaultLimit:   defaultPullLimit,
			MaxLimit:       defaultMaxPullLimit,
			AdaptivePaging: true,
		},
		Auth: AuthConfig{
			RefreshTokenDays: defaultRefreshTokenDays,
		},
		Client: ClientConfig{
			ServerURL:       "http://" + defaultListen,
			StateDB:         joinIfSet(dataDir, defaultClientDBName),
			CredentialsFile: joinIfSet(dataDir, defaultCredentialsName),
			PollInterval:    defaultPollInterval,
			RequestTimeout:  defaultRequestTimeout,
			PushBatchSize:   defaultPushBatchSize,
			PullLimit:       defaultPullLimit,
			TriggerRate:     defaultTriggerRate,
			Notifications:   true,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

func joinIfSet(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}
