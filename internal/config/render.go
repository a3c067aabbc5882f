package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// Render writes cfg as TOML. The output loads back through Load unchanged.
func Render(cfg *Config, w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	return nil
}
