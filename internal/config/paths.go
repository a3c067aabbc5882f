package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	appName        = "ledgersync"
	configFileName = "config.toml"
)

// DefaultConfigDir returns where the config file lives by default:
// $XDG_CONFIG_HOME/ledgersync or ~/.config/ledgersync, and
// ~/Library/Application Support/ledgersync on macOS.
func DefaultConfigDir() string {
	return appDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns where databases, credentials and the PID file live
// by default: $XDG_DATA_HOME/ledgersync or ~/.local/share/ledgersync, and
// the same Application Support directory on macOS.
func DefaultDataDir() string {
	return appDir("XDG_DATA_HOME", ".local", "share")
}

// DefaultConfigPath is the config file used when neither LEDGERSYNC_CONFIG
// nor --config names one. Empty when no home directory is known.
func DefaultConfigPath() string {
	return joinIfSet(DefaultConfigDir(), configFileName)
}

// appDir resolves a per-user application directory. xdgVar wins on every
// platform except macOS; homeRel is the fallback below the home directory.
func appDir(xdgVar string, homeRel ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	if xdg := os.Getenv(xdgVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(append(append([]string{home}, homeRel...), appName)...)
}
