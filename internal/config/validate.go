package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minPushRows        = 1
	maxPushRows        = 100_000
	minPullLimit       = 1
	maxPullLimit       = 10_000
	minPushBatch       = 1
	maxPushBatch       = 5000
	minPollInterval    = 10 * time.Second
	minRequestTimeout  = 1 * time.Second
	minShutdownTimeout = 1 * time.Second
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
//
// auth.refresh_token_days is not validated: out-of-range values are clamped
// by ClampRefreshTokenDays.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validatePull(&cfg.Pull)...)
	errs = append(errs, validateCrypto(&cfg.Crypto)...)
	errs = append(errs, validateClient(&cfg.Client)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Listen == "" {
		errs = append(errs, errors.New("server.listen: must not be empty"))
	}

	if s.MaxPushRows < minPushRows || s.MaxPushRows > maxPushRows {
		errs = append(errs, fmt.Errorf("server.max_push_rows: must be between %d and %d, got %d",
			minPushRows, maxPushRows, s.MaxPushRows))
	}

	errs = append(errs, validateDurationMin("server.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout, false)...)

	return errs
}

func validatePull(p *PullConfig) []error {
	var errs []error

	if p.MaxLimit < minPullLimit || p.MaxLimit > maxPullLimit {
		errs = append(errs, fmt.Errorf("pull.max_limit: must be between %d and %d, got %d",
			minPullLimit, maxPullLimit, p.MaxLimit))
	}

	if p.DefaultLimit < minPullLimit || p.DefaultLimit > p.MaxLimit {
		errs = append(errs, fmt.Errorf("pull.default_limit: must be between %d and max_limit (%d), got %d",
			minPullLimit, p.MaxLimit, p.DefaultLimit))
	}

	return errs
}

func validateCrypto(c *CryptoConfig) []error {
	if c.Enabled && c.KeyFile == "" {
		return []error{errors.New("crypto.key_file: required when crypto.enabled = true")}
	}

	return nil
}

func validateClient(c *ClientConfig) []error {
	var errs []error

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("client.server_url: must be an absolute URL, got %q", c.ServerURL))
		}
	}

	if c.PushBatchSize < minPushBatch || c.PushBatchSize > maxPushBatch {
		errs = append(errs, fmt.Errorf("client.push_batch_size: must be between %d and %d, got %d",
			minPushBatch, maxPushBatch, c.PushBatchSize))
	}

	if c.PullLimit < minPullLimit || c.PullLimit > maxPullLimit {
		errs = append(errs, fmt.Errorf("client.pull_limit: must be between %d and %d, got %d",
			minPullLimit, maxPullLimit, c.PullLimit))
	}

	errs = append(errs, validateDurationMin("client.poll_interval", c.PollInterval, minPollInterval, true)...)
	errs = append(errs, validateDurationMin("client.request_timeout", c.RequestTimeout, minRequestTimeout, false)...)
	errs = append(errs, validateDurationMin("client.trigger_rate", c.TriggerRate, 0, true)...)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug, info, warn, error; got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be one of auto, text, json; got %q", l.Format))
	}

	return errs
}

// validateDurationMin parses a duration string and checks its lower bound.
// allowZero permits "0" to mean "disabled".
func validateDurationMin(field, value string, minVal time.Duration, allowZero bool) []error {
	if allowZero && (value == "0" || value == "") {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minVal {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minVal, d)}
	}

	return nil
}
