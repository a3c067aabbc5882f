// Package store opens the SQLite databases used by ledgersync and applies
// their goose migrations. The server schema (ledger, index, domain rows,
// permissions) is embedded here; other packages pass their own migration
// filesystem to Open.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var serverMigrations embed.FS

// defaultMaxConns bounds the connection pool. Readers run concurrently under
// WAL; writers serialize on SQLite's write lock, which every transaction takes
// up front because of _txlock=immediate.
const defaultMaxConns = 4

// Options tunes Open. The zero value is usable.
type Options struct {
	MaxConns int
}

// OpenServer opens the server database at path and applies the embedded
// server migrations.
func OpenServer(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	subFS, err := fs.Sub(serverMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	return Open(ctx, path, subFS, Options{}, logger)
}

// Open opens the SQLite database at path, runs every migration in
// migrations (files at the FS root), and returns the pool. The database uses
// WAL mode with synchronous=FULL for crash-safe durability, and immediate
// transactions so that two writers never interleave.
func Open(ctx context.Context, path string, migrations fs.FS, opts Options, logger *slog.Logger) (*sql.DB, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(10000)"+
			"&_txlock=immediate",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}

	db.SetMaxOpenConns(maxConns)

	if err := runMigrations(ctx, db, migrations, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database ready", slog.String("db_path", path))

	return db, nil
}

// runMigrations applies all pending schema migrations to the database.
// Uses the goose v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, migrations fs.FS, logger *slog.Logger) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// InTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	return nil
}

// Millis converts t to epoch milliseconds, the timestamp unit of every
// ledgersync table.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
