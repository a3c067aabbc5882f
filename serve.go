package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/ledgersync/internal/config"
)

// tokenPurgeInterval is how often expired API tokens are dropped.
const tokenPurgeInterval = time.Hour

// readHeaderTimeout bounds slow clients sending request headers.
const readHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync authority: push ingestion, pull distribution, permission
resolution and the change notifier, all over one ledger database.

Send SIGHUP (or run "ledgersync reload") to reload the config file and the
key file without restarting. Listen address and database path changes need a
restart.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides server.listen)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg.Config
	logger, level := newLevelLogger(os.Stderr, cfg.Logging, flagVerbose, flagQuiet)

	lock, err := acquirePIDLock(cfg.Server.PIDFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx := shutdownContext(cmd.Context(), logger)

	st, err := openServerStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	holder := config.NewHolder(cfg, resolvedCfg.Path)
	onHangup(ctx, func() { reloadServer(holder, st, level, logger) })

	srv := &http.Server{
		Handler:           st.handler(logger).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("db", cfg.Server.DBPath),
		slog.Bool("encrypt_at_rest", st.keys != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown did not drain", slog.String("error", err.Error()))
		}

		return nil
	})

	if st.keys != nil {
		g.Go(func() error {
			if err := st.keys.Run(gctx); err != nil {
				logger.Warn("key file watch stopped, rotation needs a reload", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	g.Go(func() error {
		purgeTokens(gctx, st, logger)
		return nil
	})

	// Warm the head index so the first pull does not pay for the whole backlog.
	if _, err := st.gate.EnsureUpToDate(ctx); err != nil {
		logger.Warn("initial catch-up failed, pulls will retry it", slog.String("error", err.Error()))
	}

	err = g.Wait()
	logger.Info("server stopped")

	return err
}

// reloadServer applies a SIGHUP: reread the config file, apply the log level
// and reload the key ring. A failed reload keeps the running settings.
func reloadServer(holder *config.Holder, st *serverStack, level *slog.LevelVar, logger *slog.Logger) {
	if cfg, err := holder.Reload(); err != nil {
		logger.Warn("config reload failed, keeping previous config",
			slog.String("path", holder.Path()),
			slog.String("error", err.Error()),
		)
	} else {
		level.Set(logLevel(cfg.Logging, flagVerbose, flagQuiet))
		logger.Info("config reloaded", slog.String("path", holder.Path()))
	}

	if st.keys != nil {
		// Reload logs its own outcome.
		_ = st.keys.Reload()
	}
}

func purgeTokens(ctx context.Context, st *serverStack, logger *slog.Logger) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.tokens.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purging expired tokens", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				logger.Debug("purged expired tokens", slog.Int64("count", n))
			}
		}
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running server to reload its config and key file",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := signalServer(resolvedCfg.Server.PIDFile, syscall.SIGHUP); err != nil {
				return err
			}

			statusf("Reload signal sent.\n")

			return nil
		},
	}
}
