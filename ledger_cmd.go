package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ledgersync/internal/pull"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the change ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the ledger head, the catch-up watermark and client cursors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				status, err := readLedgerStatus(cmd.Context(), st)
				if err != nil {
					return err
				}

				if flagJSON {
					return printJSON(os.Stdout, status)
				}

				printLedgerStatus(status)

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "catch-up",
		Short: "Index every ledger entry up to the head now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				start := time.Now()

				wm, err := st.gate.EnsureUpToDate(cmd.Context())
				if err != nil {
					return err
				}

				statusf("Watermark at %d (%s).\n", wm, formatDuration(time.Since(start)))

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "head <table> <row-id>",
		Short: "Show the latest indexed ledger position of one row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				h, err := st.ledger.Head(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}

				if h == nil {
					return fmt.Errorf("%s/%s has no indexed ledger entry", args[0], args[1])
				}

				if flagJSON {
					return printJSON(os.Stdout, rowHead{Table: h.Table, RowID: h.RowID, Seq: h.Seq, Op: string(h.Op)})
				}

				fmt.Fprintf(os.Stdout, "%s/%s: %s at %d\n", h.Table, h.RowID, h.Op, h.Seq)

				return nil
			})
		},
	})

	return cmd
}

type rowHead struct {
	Table string `json:"table"`
	RowID string `json:"row_id"`
	Seq   int64  `json:"server_seq"`
	Op    string `json:"op"`
}

// ledgerStatus is the ledger's position summary.
type ledgerStatus struct {
	MaxSeq    int64               `json:"max_seq"`
	Watermark int64               `json:"watermark"`
	Clients   []pull.ClientCursor `json:"clients"`
}

func readLedgerStatus(ctx context.Context, st *serverStack) (*ledgerStatus, error) {
	maxSeq, err := st.ledger.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}

	wm, err := st.gate.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	clients, err := st.distributor.ClientCursors(ctx)
	if err != nil {
		return nil, err
	}

	if clients == nil {
		clients = []pull.ClientCursor{}
	}

	return &ledgerStatus{MaxSeq: maxSeq, Watermark: wm, Clients: clients}, nil
}

func printLedgerStatus(s *ledgerStatus) {
	fmt.Fprintf(os.Stdout, "Head:      %d\n", s.MaxSeq)
	fmt.Fprintf(os.Stdout, "Watermark: %d\n", s.Watermark)

	if len(s.Clients) == 0 {
		return
	}

	fmt.Fprintln(os.Stdout)

	rows := make([][]string, 0, len(s.Clients))
	for _, c := range s.Clients {
		rows = append(rows, []string{
			c.ClientID, c.UserID, strconv.FormatInt(c.Cursor, 10),
			strconv.FormatInt(s.MaxSeq-c.Cursor, 10), formatTime(time.UnixMilli(c.UpdatedAt)),
		})
	}

	printTable(os.Stdout, []string{"CLIENT", "USER", "CURSOR", "BEHIND", "SEEN"}, rows)
}
