// Package ledger implements the append-only change ledger and the catch-up
// gate that keeps its per-row index current before pulls read from it.
//
// Every accepted mutation becomes one Entry with a server-assigned sequence
// number. Sequence numbers are unique and strictly increasing across the
// whole ledger: the counter row and the entry are written in the same
// immediate transaction, so two writers can never observe the same value.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/ledgersync/internal/store"
)

// Op is the kind of change an entry records.
type Op string

// Entry operations.
const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// ErrInvalidEntry is returned when an append is missing required fields.
var ErrInvalidEntry = errors.New("ledger: invalid entry")

// Entry is one immutable ledger record.
type Entry struct {
	Seq       int64
	Table     string
	RowID     string
	Op        Op
	Payload   json.RawMessage
	CreatedAt int64 // epoch ms, informational only
}

// Head is the latest indexed ledger position of one row.
type Head struct {
	Table string
	RowID string
	Seq   int64
	Op    Op
}

const (
	sqlNextSeq = `UPDATE ledger_sequence SET value = value + 1 WHERE id = 1 RETURNING value`

	sqlInsertEntry = `INSERT INTO change_ledger (server_seq, table_name, row_id, op, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlMaxSeq = `SELECT value FROM ledger_sequence WHERE id = 1`

	sqlRangeSince = `SELECT server_seq, table_name, row_id, op, payload, created_at
		FROM change_ledger
		WHERE server_seq > ?
		  AND server_seq <= (SELECT indexed_seq FROM ledger_index_state WHERE id = 1)
		ORDER BY server_seq
		LIMIT ?`

	sqlHead = `SELECT table_name, row_id, server_seq, op FROM ledger_heads
		WHERE table_name = ? AND row_id = ?`
)

// Ledger appends to and reads from the change_ledger table.
type Ledger struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Ledger on a migrated server database.
func New(db *sql.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger, nowFunc: time.Now}
}

// Append records one change in its own transaction and returns the assigned
// sequence number.
func (l *Ledger) Append(ctx context.Context, table, rowID string, op Op, payload json.RawMessage) (int64, error) {
	var seq int64

	err := store.InTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		seq, err = l.AppendTx(ctx, tx, table, rowID, op, payload)

		return err
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// AppendTx records one change inside the caller's transaction. The sequence
// number becomes visible to readers only when tx commits.
func (l *Ledger) AppendTx(ctx context.Context, tx *sql.Tx, table, rowID string, op Op, payload json.RawMessage) (int64, error) {
	if err := validateEntry(table, rowID, op, payload); err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, sqlNextSeq).Scan(&seq); err != nil {
		return 0, fmt.Errorf("ledger: assigning sequence: %w", err)
	}

	now := store.Millis(l.nowFunc())
	if _, err := tx.ExecContext(ctx, sqlInsertEntry, seq, table, rowID, string(op), string(payload), now); err != nil {
		return 0, fmt.Errorf("ledger: inserting entry %d for %s/%s: %w", seq, table, rowID, err)
	}

	l.logger.Debug("ledger append",
		slog.Int64("server_seq", seq),
		slog.String("table", table),
		slog.String("row_id", rowID),
		slog.String("op", string(op)),
	)

	return seq, nil
}

func validateEntry(table, rowID string, op Op, payload json.RawMessage) error {
	switch {
	case table == "":
		return fmt.Errorf("%w: empty table", ErrInvalidEntry)
	case rowID == "":
		return fmt.Errorf("%w: empty row id", ErrInvalidEntry)
	case op != OpUpsert && op != OpDelete:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidEntry, op)
	case !json.Valid(payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEntry)
	}

	return nil
}

// MaxSeq returns the largest sequence number assigned so far, or 0 for an
// empty ledger.
func (l *Ledger) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := l.db.QueryRowContext(ctx, sqlMaxSeq).Scan(&seq); err != nil {
		return 0, fmt.Errorf("ledger: reading max seq: %w", err)
	}

	return seq, nil
}

// RangeSince returns up to limit entries with server_seq > cursor in
// ascending order. Entries past the catch-up gate's watermark are never
// returned, so callers run Gate.EnsureUpToDate first.
func (l *Ledger) RangeSince(ctx context.Context, cursor int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx, sqlRangeSince, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: range since %d: %w", cursor, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, min(limit, 256))

	for rows.Next() {
		var (
			e       Entry
			op      string
			payload string
		)

		if err := rows.Scan(&e.Seq, &e.Table, &e.RowID, &op, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scanning entry: %w", err)
		}

		e.Op = Op(op)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating range: %w", err)
	}

	return entries, nil
}

// Head returns the latest indexed position of table/rowID, or nil when the
// row has never been indexed.
func (l *Ledger) Head(ctx context.Context, table, rowID string) (*Head, error) {
	var (
		h  Head
		op string
	)

	err := l.db.QueryRowContext(ctx, sqlHead, table, rowID).Scan(&h.Table, &h.RowID, &h.Seq, &op)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil head = never indexed
	}

	if err != nil {
		return nil, fmt.Errorf("ledger: reading head %s/%s: %w", table, rowID, err)
	}

	h.Op = Op(op)

	return &h, nil
}
