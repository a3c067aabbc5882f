package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/ledgersync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagServerURL  string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// skipConfigCommands lists commands that must run without a valid config.
var skipConfigCommands = map[string]bool{
	"ledgersync config defaults": true,
}

// newRootCmd builds the root command with every subcommand registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ledgersync",
		Short:   "Offline-first change-ledger sync server and client",
		Long:    "ledgersync runs the sync authority (serve) and the device-side sync client (sync).",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "server ledger database path")
	cmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "sync server base URL (client commands)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newPermsCmd())
	cmd.AddCommand(newDelegateCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newLedgerCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores it in resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("db") {
		cli.DBPath = &flagDBPath
	}

	if cmd.Flags().Changed("server") {
		cli.ServerURL = &flagServerURL
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		v := f.Value.String()
		cli.Listen = &v
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates the process logger. The config file sets the baseline
// level and format; --verbose and --quiet win over it.
func buildLogger() *slog.Logger {
	return newLogger(os.Stderr, loggingConfig(), flagVerbose, flagQuiet)
}

func loggingConfig() config.LoggingConfig {
	if resolvedCfg == nil {
		return config.LoggingConfig{}
	}

	return resolvedCfg.Logging
}

func newLogger(w io.Writer, lc config.LoggingConfig, verbose, quiet bool) *slog.Logger {
	logger, _ := newLevelLogger(w, lc, verbose, quiet)

	return logger
}

// newLevelLogger is newLogger with the level held in a LevelVar, so a
// long-running serve can change it on SIGHUP.
func newLevelLogger(w io.Writer, lc config.LoggingConfig, verbose, quiet bool) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(logLevel(lc, verbose, quiet))

	opts := &slog.HandlerOptions{Level: lv}

	if useJSONLogs(w, lc.Format) {
		return slog.New(slog.NewJSONHandler(w, opts)), lv
	}

	return slog.New(slog.NewTextHandler(w, opts)), lv
}

func logLevel(lc config.LoggingConfig, verbose, quiet bool) slog.Level {
	switch {
	case quiet:
		return slog.LevelError
	case verbose:
		return slog.LevelDebug
	}

	switch strings.ToLower(lc.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// useJSONLogs picks JSON for "json", text for "text", and for "auto" JSON
// unless w is a terminal.
func useJSONLogs(w io.Writer, format string) bool {
	switch strings.ToLower(format) {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return true
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
