// Package localstore is the sync client's on-device database: an outbox of
// local mutations waiting to be pushed, a mirror of server rows, and the pull
// cursor. A pulled page and the cursor it advances to are committed together,
// so the cursor never runs ahead of the rows it covers.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/tonimelisma/ledgersync/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrInvalid is returned for mutations missing a table, row id or payload.
var ErrInvalid = errors.New("localstore: invalid mutation")

// Mutation is one queued local write.
type Mutation struct {
	ID        int64
	Table     string
	RowID     string
	Payload   json.RawMessage
	CreatedAt int64
	Attempts  int
}

// Change is one row delivered by a pull page.
type Change struct {
	Table     string
	RowID     string
	Deleted   bool
	Payload   json.RawMessage
	ServerSeq int64
}

// MirrorRow is the local copy of a row.
type MirrorRow struct {
	Table     string
	RowID     string
	Payload   json.RawMessage
	ServerSeq int64
	Deleted   bool
	Pending   bool
	UpdatedAt int64
}

// State is the persisted pull position.
type State struct {
	Cursor        int64
	ServerLastSeq int64
	LastSyncAt    time.Time
}

// Store wraps the client database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the client database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	subFS, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("localstore: creating migration sub-filesystem: %w", err)
	}

	db, err := store.Open(ctx, path, subFS, store.Options{MaxConns: 2}, logger)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue records a local write to row rowID of table. The mirror is updated
// immediately and flagged pending until the mutation is pushed.
func (s *Store) Enqueue(ctx context.Context, table, rowID string, payload json.RawMessage) (int64, error) {
	if table == "" || rowID == "" || len(payload) == 0 {
		return 0, fmt.Errorf("%w: table, row id and payload are required", ErrInvalid)
	}

	if !json.Valid(payload) {
		return 0, fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}

	now := store.Millis(s.nowFunc())

	var id int64

	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (table_name, row_id, payload, created_at) VALUES (?, ?, ?, ?)`,
			table, rowID, string(payload), now)
		if err != nil {
			return fmt.Errorf("localstore: inserting outbox entry: %w", err)
		}

		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("localstore: reading outbox id: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO mirror_rows (table_name, row_id, payload, pending, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (table_name, row_id) DO UPDATE SET
				payload = excluded.payload, pending = 1, deleted = 0, updated_at = excluded.updated_at`,
			table, rowID, string(payload), now)
		if err != nil {
			return fmt.Errorf("localstore: updating mirror for %s/%s: %w", table, rowID, err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("mutation queued",
		slog.Int64("outbox_id", id),
		slog.String("table", table),
		slog.String("row_id", rowID),
	)

	return id, nil
}

// Pending returns up to limit unrejected outbox entries, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Mutation, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, row_id, payload, created_at, attempts FROM outbox
		WHERE rejected_reason IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("localstore: querying outbox: %w", err)
	}
	defer rows.Close()

	var out []Mutation

	for rows.Next() {
		var (
			m       Mutation
			payload string
		)

		if err := rows.Scan(&m.ID, &m.Table, &m.RowID, &payload, &m.CreatedAt, &m.Attempts); err != nil {
			return nil, fmt.Errorf("localstore: scanning outbox: %w", err)
		}

		m.Payload = json.RawMessage(payload)
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating outbox: %w", err)
	}

	return out, nil
}

// PendingCount returns the number of entries Pending would eventually return.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE rejected_reason IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("localstore: counting outbox: %w", err)
	}

	return n, nil
}

// MarkPushed removes acknowledged outbox entries. A mirror row stops being
// pending once no outbox entry for it remains.
func (s *Store) MarkPushed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	return store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		in, args := inClause(ids)

		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("localstore: deleting pushed entries: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE mirror_rows SET pending = 0
			WHERE pending = 1 AND NOT EXISTS (
				SELECT 1 FROM outbox o
				WHERE o.table_name = mirror_rows.table_name AND o.row_id = mirror_rows.row_id
				AND o.rejected_reason IS NULL)`); err != nil {
			return fmt.Errorf("localstore: clearing pending flags: %w", err)
		}

		return nil
	})
}

// MarkRejected parks an entry the server refused so it is not retried.
func (s *Store) MarkRejected(ctx context.Context, id int64, reason string) error {
	if reason == "" {
		reason = "rejected"
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET rejected_reason = ?, attempts = attempts + 1 WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("localstore: rejecting entry %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("localstore: rejecting entry %d: not found", id)
	}

	s.logger.Warn("server rejected mutation",
		slog.Int64("outbox_id", id),
		slog.String("reason", reason),
	)

	return nil
}

// Rejected lists parked entries with their reasons.
func (s *Store) Rejected(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rejected_reason FROM outbox WHERE rejected_reason IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("localstore: querying rejected entries: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)

	for rows.Next() {
		var (
			id     int64
			reason string
		)

		if err := rows.Scan(&id, &reason); err != nil {
			return nil, fmt.Errorf("localstore: scanning rejected entry: %w", err)
		}

		out[id] = reason
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating rejected entries: %w", err)
	}

	return out, nil
}

// IncrementAttempts bumps the attempt counter of entries whose push failed
// as a whole.
func (s *Store) IncrementAttempts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	in, args := inClause(ids)
	if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("localstore: incrementing attempts: %w", err)
	}

	return nil
}

// ApplyPage writes a pulled page and advances the cursor in one transaction.
// Rows with unpushed local edits keep the local payload; only their
// server_seq is recorded. The cursor never moves backwards.
func (s *Store) ApplyPage(ctx context.Context, cursor, serverLastSeq int64, changes []Change) error {
	now := store.Millis(s.nowFunc())

	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, c := range changes {
			if err := applyChangeTx(ctx, tx, c, now); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_state SET
				cursor = MAX(cursor, ?),
				server_last_seq = MAX(server_last_seq, ?),
				last_sync_at = ?
			WHERE id = 1`, cursor, serverLastSeq, now); err != nil {
			return fmt.Errorf("localstore: advancing cursor: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("page applied",
		slog.Int("changes", len(changes)),
		slog.Int64("cursor", cursor),
	)

	return nil
}

func applyChangeTx(ctx context.Context, tx *sql.Tx, c Change, now int64) error {
	if c.Table == "" || c.RowID == "" {
		return fmt.Errorf("%w: change at seq %d lacks table or row id", ErrInvalid, c.ServerSeq)
	}

	payload := string(c.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO mirror_rows (table_name, row_id, payload, server_seq, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, row_id) DO UPDATE SET
			payload    = CASE WHEN mirror_rows.pending = 1 THEN mirror_rows.payload ELSE excluded.payload END,
			deleted    = CASE WHEN mirror_rows.pending = 1 THEN mirror_rows.deleted ELSE excluded.deleted END,
			server_seq = MAX(mirror_rows.server_seq, excluded.server_seq),
			updated_at = excluded.updated_at`,
		c.Table, c.RowID, payload, c.ServerSeq, boolToInt(c.Deleted), now)
	if err != nil {
		return fmt.Errorf("localstore: applying %s/%s: %w", c.Table, c.RowID, err)
	}

	return nil
}

// State returns the persisted pull position.
func (s *Store) State(ctx context.Context) (State, error) {
	var (
		st     State
		lastAt sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, server_last_seq, last_sync_at FROM sync_state WHERE id = 1`).
		Scan(&st.Cursor, &st.ServerLastSeq, &lastAt)
	if err != nil {
		return State{}, fmt.Errorf("localstore: reading sync state: %w", err)
	}

	if lastAt.Valid {
		st.LastSyncAt = time.UnixMilli(lastAt.Int64)
	}

	return st, nil
}

// Cursor returns the last committed pull cursor.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	st, err := s.State(ctx)
	if err != nil {
		return 0, err
	}

	return st.Cursor, nil
}

// Row returns the mirrored row, or nil if it is unknown locally.
func (s *Store) Row(ctx context.Context, table, rowID string) (*MirrorRow, error) {
	var (
		r                MirrorRow
		payload          string
		deleted, pending int
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT table_name, row_id, payload, server_seq, deleted, pending, updated_at
		FROM mirror_rows WHERE table_name = ? AND row_id = ?`, table, rowID).
		Scan(&r.Table, &r.RowID, &payload, &r.ServerSeq, &deleted, &pending, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("localstore: reading %s/%s: %w", table, rowID, err)
	}

	r.Payload = json.RawMessage(payload)
	r.Deleted = deleted != 0
	r.Pending = pending != 0

	return &r, nil
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
