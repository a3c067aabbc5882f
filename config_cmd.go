package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ledgersync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "defaults",
		Short: "Print the built-in default configuration as TOML",
		RunE: func(_ *cobra.Command, _ []string) error {
			return config.Render(config.DefaultConfig(), os.Stdout)
		},
	})

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return errors.New("no configuration loaded")
	}

	if flagJSON {
		return printJSON(os.Stdout, resolvedCfg.Config)
	}

	return config.Render(resolvedCfg.Config, os.Stdout)
}
