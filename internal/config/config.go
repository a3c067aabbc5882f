// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for ledgersync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags). Both
// the server (`ledgersync serve`) and the device client (`ledgersync sync`)
// read the same file; each only consumes the sections it needs.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Every section is a TOML table ([server], [pull], ...). Unknown keys in any
// section are fatal at load time.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Pull    PullConfig    `toml:"pull"`
	Crypto  CryptoConfig  `toml:"crypto"`
	Auth    AuthConfig    `toml:"auth"`
	Client  ClientConfig  `toml:"client"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig controls the sync authority: listen address, the ledger
// database and push limits.
type ServerConfig struct {
	Listen          string `toml:"listen"`
	DBPath          string `toml:"db_path"`
	PIDFile         string `toml:"pid_file"`
	MaxPushRows     int    `toml:"max_push_rows"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// PullConfig controls pull page sizing. adaptive_paging lets the server grow
// pages when a client is far behind; it never changes which rows are served.
type PullConfig struct {
	DefaultLimit   int  `toml:"default_limit"`
	MaxLimit       int  `toml:"max_limit"`
	AdaptivePaging bool `toml:"adaptive_paging"`
}

// CryptoConfig enables field-level envelope encryption. key_file holds one
// base64 key per line; the first key encrypts, all keys decrypt.
type CryptoConfig struct {
	Enabled bool   `toml:"enabled"`
	KeyFile string `toml:"key_file"`
}

// AuthConfig holds token lifetime settings for the authentication
// collaborator. RefreshTokenDays is clamped to [1, 365] rather than rejected.
type AuthConfig struct {
	RefreshTokenDays int `toml:"refresh_token_days"`
}

// ClientConfig controls the device-side sync manager.
type ClientConfig struct {
	ServerURL       string `toml:"server_url"`
	StateDB         string `toml:"state_db"`
	CredentialsFile string `toml:"credentials_file"`
	ClientID        string `toml:"client_id"`
	PollInterval    string `toml:"poll_interval"`
	RequestTimeout  string `toml:"request_timeout"`
	PushBatchSize   int    `toml:"push_batch_size"`
	PullLimit       int    `toml:"pull_limit"`
	TriggerRate     string `toml:"trigger_rate"`
	Notifications   bool   `toml:"notifications"`
}

// LoggingConfig controls log output: level and format ("auto", "text", "json").
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	ServerURL  *string // --server flag
	Listen     *string // --listen flag
}

// PollIntervalDuration returns the parsed client poll interval. Validation
// guarantees the string parses; the zero value disables periodic triggers.
func (c *ClientConfig) PollIntervalDuration() time.Duration {
	return mustDuration(c.PollInterval)
}

// RequestTimeoutDuration returns the per-request network deadline.
func (c *ClientConfig) RequestTimeoutDuration() time.Duration {
	return mustDuration(c.RequestTimeout)
}

// TriggerRateDuration returns the minimum spacing between trigger-initiated
// sync cycles.
func (c *ClientConfig) TriggerRateDuration() time.Duration {
	return mustDuration(c.TriggerRate)
}

// ShutdownTimeoutDuration returns the graceful HTTP shutdown budget.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(s.ShutdownTimeout)
}

// RefreshTokenLifetime returns the clamped refresh-token lifetime.
func (a *AuthConfig) RefreshTokenLifetime() time.Duration {
	return time.Duration(ClampRefreshTokenDays(a.RefreshTokenDays)) * 24 * time.Hour
}

// ClampRefreshTokenDays clamps days into [1, 365]. Zero (unset) maps to the
// default of 30.
func ClampRefreshTokenDays(days int) int {
	switch {
	case days == 0:
		return defaultRefreshTokenDays
	case days < minRefreshTokenDays:
		return minRefreshTokenDays
	case days > maxRefreshTokenDays:
		return maxRefreshTokenDays
	default:
		return days
	}
}

func mustDuration(s string) time.Duration {
	if s == "" || s == "0" {
		return 0
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
