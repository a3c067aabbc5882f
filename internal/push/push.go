// Package push ingests client mutation batches: it validates each row,
// writes it to the domain row store and appends the matching ledger entry in
// the same transaction. Rows are isolated from one another, so one bad row
// never blocks the rest of a batch.
package push

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tonimelisma/ledgersync/internal/envelope"
	"github.com/tonimelisma/ledgersync/internal/ledger"
	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/store"
	"github.com/tonimelisma/ledgersync/internal/tables"
)

// ErrValidation marks a request rejected as a whole before any write.
var ErrValidation = errors.New("push: invalid request")

// Request is the push body sent by a client.
type Request struct {
	ClientID string       `json:"client_id"`
	Upserts  []TableBatch `json:"upserts"`
}

// TableBatch carries the rows of one table, applied in order.
type TableBatch struct {
	Table string            `json:"table"`
	Rows  []json.RawMessage `json:"rows"`
}

// RowError describes one rejected row.
type RowError struct {
	Index int    `json:"index"`
	RowID string `json:"row_id,omitempty"`
	Error string `json:"error"`
}

// TableResult summarizes one table of a push.
type TableResult struct {
	Table    string     `json:"table"`
	Applied  int        `json:"applied"`
	Rejected int        `json:"rejected"`
	Errors   []RowError `json:"errors"`
}

// Result summarizes a push.
type Result struct {
	BatchID       string        `json:"batch_id"`
	Tables        []TableResult `json:"tables"`
	Applied       int           `json:"applied"`
	Rejected      int           `json:"rejected"`
	LastServerSeq int64         `json:"last_server_seq"`
}

// PermissionChecker is the subset of the resolver push needs.
type PermissionChecker interface {
	Require(ctx context.Context, userID string, code perms.Code) error
}

// KeySource yields the current key ring; nil disables at-rest encryption.
type KeySource interface {
	Ring() *envelope.KeyRing
}

// Notifier is told the latest ledger position after a push applies rows.
type Notifier interface {
	Notify(serverLastSeq int64)
}

// Options configures an Ingestor.
type Options struct {
	MaxRows       int
	EncryptAtRest bool
	Keys          KeySource
	Notifier      Notifier
}

// Ingestor applies push requests.
type Ingestor struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	registry *tables.Registry
	perms    PermissionChecker
	opts     Options
	logger   *slog.Logger
}

// NewIngestor wires an Ingestor.
func NewIngestor(db *sql.DB, l *ledger.Ledger, registry *tables.Registry, pc PermissionChecker,
	opts Options, logger *slog.Logger,
) *Ingestor {
	return &Ingestor{db: db, ledger: l, registry: registry, perms: pc, opts: opts, logger: logger}
}

// Push validates req, then applies every row in order with best-effort
// semantics. The returned error is non-nil only when the request as a whole
// is rejected (validation, permission, or a failure outside row handling).
func (in *Ingestor) Push(ctx context.Context, actor perms.Actor, req Request) (*Result, error) {
	if err := in.validate(req); err != nil {
		return nil, err
	}

	if err := in.perms.Require(ctx, actor.ID, perms.CodeSyncUse); err != nil {
		return nil, err
	}

	ring := in.atRestRing()
	res := &Result{BatchID: uuid.NewString(), Tables: make([]TableResult, 0, len(req.Upserts))}

	for _, batch := range req.Upserts {
		tbl, _ := in.registry.Lookup(batch.Table) // validated above
		tr := TableResult{Table: batch.Table, Errors: []RowError{}}

		for i, raw := range batch.Rows {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("push: %w", err)
			}

			rowID, seq, err := in.applyRow(ctx, tbl, raw, req.ClientID, ring)
			if err != nil {
				tr.Rejected++
				tr.Errors = append(tr.Errors, RowError{Index: i, RowID: rowID, Error: err.Error()})

				in.logger.Warn("push row rejected",
					slog.String("batch_id", res.BatchID),
					slog.String("table", tbl.Name),
					slog.Int("index", i),
					slog.String("row_id", rowID),
					slog.String("error", err.Error()),
				)

				continue
			}

			tr.Applied++
			res.LastServerSeq = max(res.LastServerSeq, seq)
		}

		res.Applied += tr.Applied
		res.Rejected += tr.Rejected
		res.Tables = append(res.Tables, tr)
	}

	in.logger.Info("push applied",
		slog.String("batch_id", res.BatchID),
		slog.String("client_id", req.ClientID),
		slog.String("user_id", actor.ID),
		slog.Int("applied", res.Applied),
		slog.Int("rejected", res.Rejected),
		slog.Int64("last_server_seq", res.LastServerSeq),
	)

	if res.Applied > 0 && in.opts.Notifier != nil {
		in.opts.Notifier.Notify(in.latestSeq(ctx, res.LastServerSeq))
	}

	return res, nil
}

func (in *Ingestor) validate(req Request) error {
	if req.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrValidation)
	}

	if len(req.Upserts) == 0 {
		return fmt.Errorf("%w: upserts must not be empty", ErrValidation)
	}

	total := 0

	for i, b := range req.Upserts {
		if b.Table == "" {
			return fmt.Errorf("%w: upserts[%d]: table name is required", ErrValidation, i)
		}

		if _, ok := in.registry.Lookup(b.Table); !ok {
			return fmt.Errorf("%w: upserts[%d]: %w: %q", ErrValidation, i, tables.ErrUnknownTable, b.Table)
		}

		total += len(b.Rows)
	}

	if in.opts.MaxRows > 0 && total > in.opts.MaxRows {
		return fmt.Errorf("%w: %d rows exceeds the limit of %d", ErrValidation, total, in.opts.MaxRows)
	}

	return nil
}

func (in *Ingestor) atRestRing() *envelope.KeyRing {
	if !in.opts.EncryptAtRest || in.opts.Keys == nil {
		return nil
	}

	ring := in.opts.Keys.Ring()
	if ring.Len() == 0 {
		return nil
	}

	return ring
}

// applyRow writes one row and its ledger entry in a single transaction. The
// returned row id is best effort and may be empty for undecodable rows.
func (in *Ingestor) applyRow(ctx context.Context, tbl tables.Table, raw json.RawMessage, clientID string,
	ring *envelope.KeyRing,
) (string, int64, error) {
	row, err := decodeObject(raw)
	if err != nil {
		return "", 0, err
	}

	rowID, err := tbl.RowID(row)
	if err != nil {
		return "", 0, errors.New(stripPkg(err))
	}

	updatedAt, _, err := timestampField(row, "updated_at")
	if err != nil {
		return rowID, 0, err
	}

	deletedAt, deleted, err := timestampField(row, "deleted_at")
	if err != nil {
		return rowID, 0, err
	}

	var seq int64

	err = store.InTx(ctx, in.db, func(tx *sql.Tx) error {
		if ring != nil {
			sealed, err := in.sealSensitive(ctx, tx, tbl, rowID, row, ring)
			if err != nil {
				return err
			}

			row = sealed
		}

		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encoding row: %w", err)
		}

		r := &Row{
			Table:          tbl.Name,
			RowID:          rowID,
			Payload:        payload,
			UpdatedAt:      updatedAt,
			OriginClientID: clientID,
		}

		op := ledger.OpUpsert
		if deleted {
			r.DeletedAt = &deletedAt
			op = ledger.OpDelete
		}

		if err := upsertRowTx(ctx, tx, r); err != nil {
			return err
		}

		seq, err = in.ledger.AppendTx(ctx, tx, tbl.Name, rowID, op, payload)

		return err
	})
	if err != nil {
		return rowID, 0, err
	}

	return rowID, seq, nil
}

// sealSensitive encrypts the table's sensitive fields. A field whose
// plaintext matches the stored row's decrypted value keeps the stored
// ciphertext, so re-pushing identical data leaves the row byte-identical.
func (in *Ingestor) sealSensitive(ctx context.Context, tx *sql.Tx, tbl tables.Table, rowID string,
	row map[string]any, ring *envelope.KeyRing,
) (map[string]any, error) {
	if len(tbl.Sensitive) == 0 {
		return row, nil
	}

	existing, err := getRow(ctx, tx, tbl.Name, rowID)
	if err != nil {
		return nil, err
	}

	sealed, err := envelope.EncryptPayload(row, tbl.Sensitive, ring)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return sealed, nil
	}

	prev, err := decodeObject(existing.Payload)
	if err != nil {
		return sealed, nil //nolint:nilerr // unreadable stored row is simply overwritten
	}

	for _, f := range tbl.Sensitive {
		old, ok := prev[f].(string)
		if !ok || !envelope.IsTagged(old) {
			continue
		}

		plainOld, err := envelope.OpenField(old, ring)
		if err != nil {
			continue
		}

		if plainNew, ok, err := envelope.FieldPlaintext(row[f]); err == nil && ok && plainNew == plainOld {
			sealed[f] = old
		}
	}

	return sealed, nil
}

func (in *Ingestor) latestSeq(ctx context.Context, fallback int64) int64 {
	seq, err := in.ledger.MaxSeq(ctx)
	if err != nil {
		in.logger.Warn("reading max seq for notification", slog.String("error", err.Error()))
		return fallback
	}

	return seq
}

// decodeObject decodes raw as a JSON object, keeping numbers exact.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var row map[string]any
	if err := dec.Decode(&row); err != nil || row == nil {
		return nil, errors.New("row must be a JSON object")
	}

	if dec.More() {
		return nil, errors.New("row must be a single JSON object")
	}

	return row, nil
}

// stripPkg removes the "tables: " prefix so row errors read cleanly in the
// client-facing result.
func stripPkg(err error) string {
	return strings.TrimPrefix(err.Error(), "tables: ")
}
