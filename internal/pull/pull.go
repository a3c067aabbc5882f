// Package pull serves ledger pages to clients. Every page advances the
// client's cursor past all entries it covers, including entries the caller
// may not see; invisible rows are dropped from the page but still count
// toward has_more and the returned cursor.
package pull

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/ledgersync/internal/ledger"
	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/store"
	"github.com/tonimelisma/ledgersync/internal/tables"
)

// ErrValidation marks a malformed pull request.
var ErrValidation = errors.New("pull: invalid request")

// SeqField is the key injected into every delivered payload.
const SeqField = "last_server_seq"

// Request is one pull call.
type Request struct {
	Cursor   int64
	Limit    int // 0 selects the default
	ClientID string
}

// Change is one delivered ledger entry. PayloadJSON is the row encoded as
// JSON text.
type Change struct {
	Table       string    `json:"table"`
	RowID       string    `json:"row_id"`
	Op          ledger.Op `json:"op"`
	PayloadJSON string    `json:"payload_json"`
	ServerSeq   int64     `json:"server_seq"`
}

// Response is one pull page.
type Response struct {
	ServerCursor  int64    `json:"server_cursor"`
	ServerLastSeq int64    `json:"server_last_seq"`
	HasMore       bool     `json:"has_more"`
	Changes       []Change `json:"changes"`
}

// PermissionSource resolves the caller's effective set.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, userID string) (perms.Set, error)
}

// Gate brings the ledger index current.
type Gate interface {
	EnsureUpToDate(ctx context.Context) (int64, error)
}

// Options configures paging.
type Options struct {
	DefaultLimit   int
	MaxLimit       int
	AdaptivePaging bool
}

// Distributor answers pull requests.
type Distributor struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	gate     Gate
	registry *tables.Registry
	perms    PermissionSource
	opts     Options
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewDistributor wires a Distributor.
func NewDistributor(db *sql.DB, l *ledger.Ledger, gate Gate, registry *tables.Registry, ps PermissionSource,
	opts Options, logger *slog.Logger,
) *Distributor {
	return &Distributor{
		db: db, ledger: l, gate: gate, registry: registry, perms: ps,
		opts: opts, logger: logger, nowFunc: time.Now,
	}
}

// Pull serves one page after cursor for actor.
func (d *Distributor) Pull(ctx context.Context, actor perms.Actor, req Request) (*Response, error) {
	if req.Cursor < 0 {
		return nil, fmt.Errorf("%w: cursor must be >= 0", ErrValidation)
	}

	set, err := d.perms.EffectivePermissions(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("pull: resolving permissions: %w", err)
	}

	if !set.Allowed(perms.CodeSyncUse) {
		return nil, fmt.Errorf("%w: %s requires %s", perms.ErrPermissionDenied, actor.ID, perms.CodeSyncUse)
	}

	if _, err := d.gate.EnsureUpToDate(ctx); err != nil {
		return nil, err
	}

	lastSeq, err := d.ledger.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}

	limit := PageSize(req.Limit, d.opts, lastSeq-req.Cursor)

	raw, err := d.ledger.RangeSince(ctx, req.Cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}

	resp := &Response{
		ServerCursor:  req.Cursor,
		ServerLastSeq: lastSeq,
		HasMore:       len(raw) == limit,
		Changes:       make([]Change, 0, len(raw)),
	}

	if len(raw) > 0 {
		resp.ServerCursor = raw[len(raw)-1].Seq
	}

	dropped := 0

	for i := range raw {
		change, ok := d.filter(&raw[i], actor, set)
		if !ok {
			dropped++
			continue
		}

		resp.Changes = append(resp.Changes, change)
	}

	if req.ClientID != "" {
		d.recordCursor(ctx, req.ClientID, actor.ID, req.Cursor)
	}

	d.logger.Debug("pull served",
		slog.String("user_id", actor.ID),
		slog.Int64("cursor", req.Cursor),
		slog.Int64("server_cursor", resp.ServerCursor),
		slog.Int64("server_last_seq", lastSeq),
		slog.Int("limit", limit),
		slog.Int("delivered", len(resp.Changes)),
		slog.Int("dropped", dropped),
		slog.Bool("has_more", resp.HasMore),
	)

	return resp, nil
}

// filter applies the entry's table visibility rule and returns the
// deliverable change.
func (d *Distributor) filter(e *ledger.Entry, actor perms.Actor, set perms.Set) (Change, bool) {
	tbl, ok := d.registry.Lookup(e.Table)
	if !ok {
		return Change{}, false
	}

	row, err := decodeObject(e.Payload)
	if err != nil {
		d.logger.Warn("dropping undecodable ledger payload",
			slog.Int64("server_seq", e.Seq),
			slog.String("table", e.Table),
			slog.String("error", err.Error()),
		)

		return Change{}, false
	}

	if !tbl.Visibility.Visible(row, actor, set) {
		return Change{}, false
	}

	payload, err := InjectSeq(row, e.Seq)
	if err != nil {
		d.logger.Warn("dropping unencodable ledger payload",
			slog.Int64("server_seq", e.Seq),
			slog.String("error", err.Error()),
		)

		return Change{}, false
	}

	return Change{
		Table:       e.Table,
		RowID:       e.RowID,
		Op:          e.Op,
		PayloadJSON: string(payload),
		ServerSeq:   e.Seq,
	}, true
}

// InjectSeq sets last_server_seq on row and encodes it. Keys are emitted in
// sorted order.
func InjectSeq(row map[string]any, seq int64) ([]byte, error) {
	row[SeqField] = seq

	return json.Marshal(row)
}

// PageSize resolves the effective page limit. requested = 0 selects the
// default; the result is clamped to [1, MaxLimit]. With adaptive paging a
// backlog larger than the limit grows the page toward MaxLimit.
func PageSize(requested int, opts Options, backlog int64) int {
	maxLimit := max(opts.MaxLimit, 1)

	limit := requested
	if limit == 0 {
		limit = opts.DefaultLimit
	}

	limit = min(max(limit, 1), maxLimit)

	if opts.AdaptivePaging && backlog > int64(limit) {
		limit = int(min(backlog, int64(maxLimit)))
	}

	return limit
}

const sqlRecordCursor = `INSERT INTO client_cursors (client_id, user_id, last_cursor, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET
	 user_id = excluded.user_id,
	 last_cursor = excluded.last_cursor,
	 updated_at = excluded.updated_at`

// recordCursor stores the cursor the client reports as applied. It is
// diagnostic only, so failures are logged and do not fail the pull.
func (d *Distributor) recordCursor(ctx context.Context, clientID, userID string, cursor int64) {
	_, err := d.db.ExecContext(ctx, sqlRecordCursor, clientID, userID, cursor, store.Millis(d.nowFunc()))
	if err != nil {
		d.logger.Warn("recording client cursor",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
	}
}

// ClientCursor is the diagnostic record of one client's acknowledged cursor.
type ClientCursor struct {
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Cursor    int64  `json:"cursor"`
	UpdatedAt int64  `json:"updated_at"`
}

// ClientCursors lists every recorded client cursor, most recent first.
func (d *Distributor) ClientCursors(ctx context.Context) ([]ClientCursor, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT client_id, user_id, last_cursor, updated_at FROM client_cursors ORDER BY updated_at DESC, client_id`)
	if err != nil {
		return nil, fmt.Errorf("pull: listing client cursors: %w", err)
	}
	defer rows.Close()

	var out []ClientCursor

	for rows.Next() {
		var c ClientCursor
		if err := rows.Scan(&c.ClientID, &c.UserID, &c.Cursor, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pull: scanning client cursor: %w", err)
		}

		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pull: iterating client cursors: %w", err)
	}

	return out, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	if row == nil {
		return nil, errors.New("payload is not a JSON object")
	}

	return row, nil
}
