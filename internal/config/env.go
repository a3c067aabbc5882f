package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "LEDGERSYNC_CONFIG"
	EnvDB        = "LEDGERSYNC_DB"
	EnvServerURL = "LEDGERSYNC_SERVER_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // LEDGERSYNC_CONFIG: override config file path
	DBPath     string // LEDGERSYNC_DB: server ledger database path
	ServerURL  string // LEDGERSYNC_SERVER_URL: client's sync server base URL
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDB),
		ServerURL:  os.Getenv(EnvServerURL),
	}
}
