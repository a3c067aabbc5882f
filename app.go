package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/ledgersync/internal/config"
	"github.com/tonimelisma/ledgersync/internal/envelope"
	"github.com/tonimelisma/ledgersync/internal/ledger"
	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/pull"
	"github.com/tonimelisma/ledgersync/internal/push"
	"github.com/tonimelisma/ledgersync/internal/server"
	"github.com/tonimelisma/ledgersync/internal/store"
	"github.com/tonimelisma/ledgersync/internal/tables"
)

// serverStack is every server-side component wired over one ledger
// database. Admin commands use the same stack as serve so they see the same
// rules.
type serverStack struct {
	db          *sql.DB
	perms       *perms.Store
	resolver    *perms.Resolver
	ledger      *ledger.Ledger
	gate        *ledger.Gate
	tokens      *server.Tokens
	hub         *server.Hub
	registry    *tables.Registry
	distributor *pull.Distributor
	ingestor    *push.Ingestor
	keys        *envelope.Watcher
}

// openServerStack opens the ledger database named by cfg.Server.DBPath and
// wires the components around it. When crypto is enabled the key file must
// load; a broken key file never silently disables encryption at rest.
func openServerStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*serverStack, error) {
	if cfg.Server.DBPath == "" {
		return nil, errors.New("server.db_path is not set and no data directory could be determined")
	}

	db, err := store.OpenServer(ctx, cfg.Server.DBPath, logger)
	if err != nil {
		return nil, err
	}

	st := &serverStack{
		db:       db,
		perms:    perms.NewStore(db),
		ledger:   ledger.New(db, logger),
		gate:     ledger.NewGate(db, logger),
		tokens:   server.NewTokens(db, logger),
		hub:      server.NewHub(),
		registry: tables.Default(),
	}
	st.resolver = perms.NewResolver(st.perms, logger)

	pushOpts := push.Options{MaxRows: cfg.Server.MaxPushRows, Notifier: st.hub}

	if cfg.Crypto.Enabled {
		st.keys, err = envelope.NewWatcher(cfg.Crypto.KeyFile, logger)
		if err != nil {
			db.Close()

			return nil, fmt.Errorf("loading key file: %w", err)
		}

		pushOpts.EncryptAtRest = true
		pushOpts.Keys = st.keys
	}

	st.ingestor = push.NewIngestor(db, st.ledger, st.registry, st.resolver, pushOpts, logger)
	st.distributor = pull.NewDistributor(db, st.ledger, st.gate, st.registry, st.resolver, pull.Options{
		DefaultLimit:   cfg.Pull.DefaultLimit,
		MaxLimit:       cfg.Pull.MaxLimit,
		AdaptivePaging: cfg.Pull.AdaptivePaging,
	}, logger)

	return st, nil
}

// handler builds the HTTP server over the stack.
func (st *serverStack) handler(logger *slog.Logger) *server.Server {
	return server.New(server.Deps{
		Ingestor:    st.ingestor,
		Distributor: st.distributor,
		Resolver:    st.resolver,
		Ledger:      st.ledger,
		Tokens:      st.tokens,
		Hub:         st.hub,
	}, logger)
}

func (st *serverStack) Close() error {
	return st.db.Close()
}

// withServerStack opens the stack from the resolved config, runs fn and
// closes the database.
func withServerStack(ctx context.Context, fn func(st *serverStack, logger *slog.Logger) error) error {
	if resolvedCfg == nil {
		return errors.New("no configuration loaded")
	}

	logger := buildLogger()

	st, err := openServerStack(ctx, resolvedCfg.Config, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(st, logger)
}
