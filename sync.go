package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/ledgersync/internal/localstore"
	"github.com/tonimelisma/ledgersync/internal/syncclient"
	"github.com/tonimelisma/ledgersync/internal/tables"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize this device with the server",
		Long: `Run one sync cycle: push queued local mutations, then pull every visible
change since the stored cursor.

With --watch the cycle repeats on the poll timer and, when notifications are
enabled, whenever the server reports a ledger advance.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep syncing until interrupted")

	cmd.AddCommand(newSyncEnqueueCmd())
	cmd.AddCommand(newSyncStatusCmd())

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg.Config

	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), logger)

	sess, err := openClientSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if !watch {
		mgr := sess.manager(&cfg.Client, progressPrinter(os.Stderr), logger)

		rep, err := mgr.Sync(ctx, syncclient.TriggerExplicit)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		return printReport(os.Stdout, rep)
	}

	mgr := sess.manager(&cfg.Client, nil, logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mgr.Run(gctx) })

	if cfg.Client.Notifications {
		sub := sess.subscriber(logger)
		// A stream that comes back means the server is reachable again.
		sub.OnReconnect = mgr.ConnectivityRegained

		g.Go(func() error {
			err := sub.Run(gctx, mgr.ServerAdvanced)
			if err != nil {
				// The timer keeps syncing; only live notifications are lost.
				logger.Warn("change notifications stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	// Start with a full cycle instead of waiting for the first tick.
	mgr.Request(syncclient.TriggerExplicit)

	return g.Wait()
}

// progressPrinter renders cycle progress as status lines.
func progressPrinter(w io.Writer) func(syncclient.Progress) {
	return func(p syncclient.Progress) {
		if flagQuiet {
			return
		}

		switch {
		case p.Phase == syncclient.PhaseDone || p.Phase == syncclient.PhaseError:
			return
		case p.Estimated > 0:
			fmt.Fprintf(w, "%-5s %3.0f%%  elapsed %s  eta %s\n",
				p.Phase, p.Fraction*100, formatDuration(p.Elapsed), formatDuration(p.ETA))
		default:
			fmt.Fprintf(w, "%-5s elapsed %s\n", p.Phase, formatDuration(p.Elapsed))
		}
	}
}

// reportJSON is the --json shape of a completed cycle.
type reportJSON struct {
	Trigger       string `json:"trigger"`
	Pushed        int    `json:"pushed"`
	Rejected      int    `json:"rejected"`
	Pulled        int    `json:"pulled"`
	Pages         int    `json:"pages"`
	Cursor        int64  `json:"cursor"`
	ServerLastSeq int64  `json:"server_last_seq"`
	ElapsedMs     int64  `json:"elapsed_ms"`
}

func printReport(w io.Writer, rep *syncclient.Report) error {
	if flagJSON {
		return printJSON(w, reportJSON{
			Trigger:       rep.Trigger.String(),
			Pushed:        rep.Pushed,
			Rejected:      rep.Rejected,
			Pulled:        rep.Pulled,
			Pages:         rep.Pages,
			Cursor:        rep.Cursor,
			ServerLastSeq: rep.ServerLastSeq,
			ElapsedMs:     rep.Elapsed.Milliseconds(),
		})
	}

	fmt.Fprintf(w, "Pushed %d (%d rejected), pulled %d in %d page(s); cursor %d of %d (%s)\n",
		rep.Pushed, rep.Rejected, rep.Pulled, rep.Pages, rep.Cursor, rep.ServerLastSeq, formatDuration(rep.Elapsed))

	return nil
}

func newSyncEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <table> <row-id> <json>",
		Short: "Queue a local mutation for the next push",
		Long: `Queue a row for upload. The JSON must be an object; its primary key field
must match row-id. A row with "deleted_at" set is a soft delete.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger()
			ctx := cmd.Context()

			if err := checkMutation(tables.Default(), args[0], args[1], args[2]); err != nil {
				return err
			}

			local, err := openLocalOnly(ctx, logger)
			if err != nil {
				return err
			}
			defer local.Close()

			id, err := local.Enqueue(ctx, args[0], args[1], json.RawMessage(args[2]))
			if err != nil {
				return err
			}

			statusf("Queued mutation %d for %s/%s.\n", id, args[0], args[1])

			return nil
		},
	}
}

func newSyncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local pull position and push queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()
			ctx := cmd.Context()

			local, err := openLocalOnly(ctx, logger)
			if err != nil {
				return err
			}
			defer local.Close()

			return printLocalStatus(ctx, os.Stdout, local)
		},
	}
}

// checkMutation rejects locally what the server would reject per row: an
// unknown table, a payload that is not an object, or a primary key that
// disagrees with rowID.
func checkMutation(registry *tables.Registry, table, rowID, payload string) error {
	tbl, err := registry.Get(table)
	if err != nil {
		return err
	}

	var row map[string]any
	if err := json.Unmarshal([]byte(payload), &row); err != nil || row == nil {
		return fmt.Errorf("payload for %s/%s must be a JSON object", table, rowID)
	}

	id, err := tbl.RowID(row)
	if err != nil {
		return err
	}

	if id != rowID {
		return fmt.Errorf("payload primary key %q does not match row id %q", id, rowID)
	}

	return nil
}

type localStatusJSON struct {
	Cursor        int64            `json:"cursor"`
	ServerLastSeq int64            `json:"server_last_seq"`
	LastSyncAt    int64            `json:"last_sync_at"`
	Pending       int              `json:"pending"`
	Rejected      map[int64]string `json:"rejected"`
}

func printLocalStatus(ctx context.Context, w io.Writer, local *localstore.Store) error {
	st, err := local.State(ctx)
	if err != nil {
		return err
	}

	pending, err := local.PendingCount(ctx)
	if err != nil {
		return err
	}

	rejected, err := local.Rejected(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		out := localStatusJSON{
			Cursor:        st.Cursor,
			ServerLastSeq: st.ServerLastSeq,
			Pending:       pending,
			Rejected:      rejected,
		}

		if !st.LastSyncAt.IsZero() {
			out.LastSyncAt = st.LastSyncAt.UnixMilli()
		}

		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Cursor:      %d of %d\n", st.Cursor, st.ServerLastSeq)
	fmt.Fprintf(w, "Last sync:   %s\n", formatTime(st.LastSyncAt))
	fmt.Fprintf(w, "Pending:     %d\n", pending)

	if len(rejected) == 0 {
		return nil
	}

	fmt.Fprintf(w, "Rejected:    %d\n\n", len(rejected))

	ids := slices.Sorted(maps.Keys(rejected))
	rows := make([][]string, 0, len(ids))

	for _, id := range ids {
		rows = append(rows, []string{strconv.FormatInt(id, 10), rejected[id]})
	}

	printTable(w, []string{"ID", "REASON"}, rows)

	return nil
}

// openLocalOnly opens the device store without credentials, for commands
// that never talk to the server.
func openLocalOnly(ctx context.Context, logger *slog.Logger) (*localstore.Store, error) {
	path := resolvedCfg.Client.StateDB
	if path == "" {
		return nil, errors.New("client.state_db is not set and no data directory could be determined")
	}

	return localstore.Open(ctx, path, logger)
}
