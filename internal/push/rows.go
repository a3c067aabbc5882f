package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	sqlUpsertRow = `INSERT INTO domain_rows
		(table_name, row_id, payload, updated_at, deleted_at, sync_status, origin_client_id)
		VALUES (?, ?, ?, ?, ?, 'synced', ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET
		 payload = excluded.payload,
		 updated_at = excluded.updated_at,
		 deleted_at = excluded.deleted_at,
		 sync_status = excluded.sync_status,
		 origin_client_id = excluded.origin_client_id`

	sqlGetRow = `SELECT table_name, row_id, payload, updated_at, deleted_at, sync_status, origin_client_id
		FROM domain_rows WHERE table_name = ? AND row_id = ?`

	sqlCountRows = `SELECT COUNT(*) FROM domain_rows WHERE table_name = ?`
)

// Row is the server-side copy of one domain record.
type Row struct {
	Table          string
	RowID          string
	Payload        json.RawMessage
	UpdatedAt      int64
	DeletedAt      *int64
	SyncStatus     string
	OriginClientID string
}

// Deleted reports whether the row is a tombstone.
func (r *Row) Deleted() bool {
	return r.DeletedAt != nil
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Rows reads and writes the generic domain_rows table.
type Rows struct {
	db *sql.DB
}

// NewRows creates a Rows store on a migrated server database.
func NewRows(db *sql.DB) *Rows {
	return &Rows{db: db}
}

// Get returns the stored row or nil when absent.
func (s *Rows) Get(ctx context.Context, table, rowID string) (*Row, error) {
	return getRow(ctx, s.db, table, rowID)
}

// Count returns the number of rows stored for table, tombstones included.
func (s *Rows) Count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountRows, table).Scan(&n); err != nil {
		return 0, fmt.Errorf("push: counting %s rows: %w", table, err)
	}

	return n, nil
}

func getRow(ctx context.Context, q queryRower, table, rowID string) (*Row, error) {
	var (
		r         Row
		payload   string
		deletedAt sql.NullInt64
	)

	err := q.QueryRowContext(ctx, sqlGetRow, table, rowID).Scan(
		&r.Table, &r.RowID, &payload, &r.UpdatedAt, &deletedAt, &r.SyncStatus, &r.OriginClientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil row = never pushed
	}

	if err != nil {
		return nil, fmt.Errorf("push: reading row %s/%s: %w", table, rowID, err)
	}

	r.Payload = json.RawMessage(payload)

	if deletedAt.Valid {
		v := deletedAt.Int64
		r.DeletedAt = &v
	}

	return &r, nil
}

func upsertRowTx(ctx context.Context, tx *sql.Tx, r *Row) error {
	var deletedAt any
	if r.DeletedAt != nil {
		deletedAt = *r.DeletedAt
	}

	_, err := tx.ExecContext(ctx, sqlUpsertRow,
		r.Table, r.RowID, string(r.Payload), r.UpdatedAt, deletedAt, r.OriginClientID)
	if err != nil {
		return fmt.Errorf("push: writing row %s/%s: %w", r.Table, r.RowID, err)
	}

	return nil
}

// timestampField reads an optional epoch-ms timestamp from a decoded
// payload. JSON numbers and RFC 3339 strings are accepted; a missing or null
// field yields ok=false.
func timestampField(row map[string]any, field string) (ms int64, ok bool, err error) {
	v, present := row[field]
	if !present || v == nil {
		return 0, false, nil
	}

	switch t := v.(type) {
	case json.Number:
		if i, convErr := t.Int64(); convErr == nil {
			return i, true, nil
		}

		f, convErr := strconv.ParseFloat(t.String(), 64)
		if convErr != nil {
			return 0, false, fmt.Errorf("%s: not a number", field)
		}

		return int64(f), true, nil
	case string:
		parsed, parseErr := time.Parse(time.RFC3339Nano, t)
		if parseErr != nil {
			return 0, false, fmt.Errorf("%s: must be epoch ms or RFC 3339", field)
		}

		return parsed.UnixMilli(), true, nil
	default:
		return 0, false, fmt.Errorf("%s: must be epoch ms or RFC 3339", field)
	}
}
