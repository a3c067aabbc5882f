package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/ledgersync/internal/store"
)

// ErrCatchUpFailed means the index could not be brought up to date. It is
// retryable; the pull that triggered it is rejected as a whole.
var ErrCatchUpFailed = errors.New("ledger: catch-up failed")

// defaultIndexBatch is the number of sequence positions indexed per
// transaction.
const defaultIndexBatch = 500

const (
	sqlIndexedSeq = `SELECT indexed_seq FROM ledger_index_state WHERE id = 1`

	sqlBatch = `SELECT server_seq, table_name, row_id, op FROM change_ledger
		WHERE server_seq > ? AND server_seq <= ?
		ORDER BY server_seq`

	sqlUpsertHead = `INSERT INTO ledger_heads (table_name, row_id, server_seq, op)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET
		 server_seq = excluded.server_seq,
		 op = excluded.op
		WHERE excluded.server_seq > ledger_heads.server_seq`

	sqlAdvanceWatermark = `UPDATE ledger_index_state SET indexed_seq = ?, updated_at = ?
		WHERE id = 1 AND indexed_seq = ?`
)

// Gate brings the ledger index current before a pull reads from the ledger.
// Concurrent callers share one catch-up run. Pushes never wait on it.
type Gate struct {
	db        *sql.DB
	logger    *slog.Logger
	batchSize int64
	nowFunc   func() time.Time
	group     singleflight.Group
}

// NewGate creates a Gate on a migrated server database.
func NewGate(db *sql.DB, logger *slog.Logger) *Gate {
	return &Gate{
		db:        db,
		logger:    logger,
		batchSize: defaultIndexBatch,
		nowFunc:   time.Now,
	}
}

// Watermark returns the highest sequence number already indexed.
func (g *Gate) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	if err := g.db.QueryRowContext(ctx, sqlIndexedSeq).Scan(&seq); err != nil {
		return 0, fmt.Errorf("ledger: reading watermark: %w", err)
	}

	return seq, nil
}

// EnsureUpToDate indexes every entry past the watermark up to the current
// MaxSeq and returns the new watermark. Errors wrap ErrCatchUpFailed.
func (g *Gate) EnsureUpToDate(ctx context.Context) (int64, error) {
	// The shared run must not die with whichever caller arrived first.
	runCtx := context.WithoutCancel(ctx)

	ch := g.group.DoChan("catch-up", func() (any, error) {
		return g.catchUp(runCtx)
	})

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrCatchUpFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}

		return res.Val.(int64), nil
	}
}

func (g *Gate) catchUp(ctx context.Context) (int64, error) {
	watermark, err := g.Watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCatchUpFailed, err)
	}

	var target int64
	if err := g.db.QueryRowContext(ctx, sqlMaxSeq).Scan(&target); err != nil {
		return 0, fmt.Errorf("%w: reading max seq: %w", ErrCatchUpFailed, err)
	}

	if watermark >= target {
		return watermark, nil
	}

	start := g.nowFunc()
	from := watermark

	for from < target {
		to := min(from+g.batchSize, target)

		indexed, err := g.indexBatch(ctx, from, to)
		if err != nil {
			return 0, fmt.Errorf("%w: indexing (%d, %d]: %w", ErrCatchUpFailed, from, to, err)
		}

		g.logger.Debug("indexed ledger batch",
			slog.Int64("from", from),
			slog.Int64("to", to),
			slog.Int("entries", indexed),
		)

		from = to
	}

	g.logger.Info("ledger index caught up",
		slog.Int64("from", watermark),
		slog.Int64("to", target),
		slog.Duration("elapsed", g.nowFunc().Sub(start)),
	)

	return target, nil
}

// indexBatch folds entries in (from, to] into ledger_heads and advances the
// watermark to to, all in one transaction. Every sequence number up to to is
// committed, since the counter and its entry commit together.
func (g *Gate) indexBatch(ctx context.Context, from, to int64) (int, error) {
	var count int

	err := store.InTx(ctx, g.db, func(tx *sql.Tx) error {
		heads, err := readBatch(ctx, tx, from, to)
		if err != nil {
			return err
		}

		for _, h := range heads {
			if _, err := tx.ExecContext(ctx, sqlUpsertHead, h.Table, h.RowID, h.Seq, string(h.Op)); err != nil {
				return fmt.Errorf("upserting head %s/%s: %w", h.Table, h.RowID, err)
			}
		}

		result, err := tx.ExecContext(ctx, sqlAdvanceWatermark, to, store.Millis(g.nowFunc()), from)
		if err != nil {
			return fmt.Errorf("advancing watermark: %w", err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("advancing watermark rows affected: %w", err)
		}

		if n != 1 {
			return fmt.Errorf("watermark moved concurrently from %d", from)
		}

		count = len(heads)

		return nil
	})

	return count, err
}

func readBatch(ctx context.Context, tx *sql.Tx, from, to int64) ([]Head, error) {
	rows, err := tx.QueryContext(ctx, sqlBatch, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading batch: %w", err)
	}
	defer rows.Close()

	var heads []Head

	for rows.Next() {
		var (
			h  Head
			op string
		)

		if err := rows.Scan(&h.Seq, &h.Table, &h.RowID, &op); err != nil {
			return nil, fmt.Errorf("scanning batch entry: %w", err)
		}

		h.Op = Op(op)
		heads = append(heads, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batch: %w", err)
	}

	return heads, nil
}
