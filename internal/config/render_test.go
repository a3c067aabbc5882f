package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_LoadsBackUnchanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Crypto.Enabled = true
	cfg.Crypto.KeyFile = "/etc/ledgersync/keys"
	cfg.Client.ClientID = "laptop-1"

	var buf bytes.Buffer
	require.NoError(t, Render(cfg, &buf))
	assert.Contains(t, buf.String(), "[server]")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDefaultDirs_FollowXDG(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("macOS uses Application Support")
	}

	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))

	assert.Equal(t, filepath.Join(root, "cfg", "ledgersync", "config.toml"), DefaultConfigPath())
	assert.Equal(t, filepath.Join(root, "data", "ledgersync"), DefaultDataDir())
	assert.Equal(t, filepath.Join(root, "data", "ledgersync", "ledger.db"), DefaultConfig().Server.DBPath)
}

func TestDefaultDirs_HomeFallback(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("macOS uses Application Support")
	}

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")

	assert.Equal(t, filepath.Join(home, ".config", "ledgersync"), DefaultConfigDir())
	assert.Equal(t, filepath.Join(home, ".local", "share", "ledgersync"), DefaultDataDir())
}
