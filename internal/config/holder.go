package config

import "sync/atomic"

// Holder is the live configuration of a long-running serve process. The
// SIGHUP path swaps in a new *Config; readers take a snapshot with Config
// and never see a half-applied reload.
type Holder struct {
	cfg  atomic.Pointer[Config]
	path string
}

// NewHolder starts a Holder at cfg. path is the file Reload rereads; an
// empty path reloads to defaults.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cfg.Store(cfg)

	return h
}

// Config returns the current snapshot.
func (h *Holder) Config() *Config {
	return h.cfg.Load()
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Reload rereads the config file and swaps it in when it parses and
// validates. On error the running config is kept and returned unchanged.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := LoadOrDefault(h.path)
	if err != nil {
		return h.Config(), err
	}

	h.cfg.Store(cfg)

	return cfg, nil
}
