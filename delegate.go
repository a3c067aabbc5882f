package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ledgersync/internal/perms"
)

func newDelegateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Grant, revoke and list time-bounded permission delegations",
	}

	cmd.AddCommand(newDelegateGrantCmd())
	cmd.AddCommand(newDelegateRevokeCmd())
	cmd.AddCommand(newDelegateListCmd())

	return cmd
}

func newDelegateGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Delegate one code from a user who holds it to another user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			code, _ := cmd.Flags().GetString("code")
			note, _ := cmd.Flags().GetString("note")
			startsStr, _ := cmd.Flags().GetString("starts")
			dur, _ := cmd.Flags().GetDuration("for")

			starts, ends, err := delegationWindow(startsStr, dur, time.Now())
			if err != nil {
				return err
			}

			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				d, err := st.resolver.Grant(cmd.Context(), perms.GrantRequest{
					FromUserID: from,
					ToUserID:   to,
					Code:       perms.Code(code),
					StartsAt:   starts.UnixMilli(),
					EndsAt:     ends.UnixMilli(),
					Note:       note,
				})
				if err != nil {
					return err
				}

				if flagJSON {
					return printJSON(os.Stdout, d)
				}

				fmt.Fprintln(os.Stdout, d.ID)
				statusf("Delegated %s from %s to %s until %s.\n", d.Code, d.FromUserID, d.ToUserID,
					ends.UTC().Format(time.RFC3339))

				return nil
			})
		},
	}

	cmd.Flags().String("from", "", "grantor user id (must hold the code)")
	cmd.Flags().String("to", "", "grantee user id")
	cmd.Flags().String("code", "", "permission code to delegate")
	cmd.Flags().String("starts", "", "start time, RFC 3339 (default now)")
	cmd.Flags().Duration("for", 24*time.Hour, "delegation length")
	cmd.Flags().String("note", "", "free-form note")

	for _, name := range []string{"from", "to", "code"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	return cmd
}

// delegationWindow turns --starts and --for into a [starts, ends) window.
func delegationWindow(starts string, length time.Duration, now time.Time) (time.Time, time.Time, error) {
	if length <= 0 {
		return time.Time{}, time.Time{}, errors.New("--for must be positive")
	}

	begin := now

	if starts != "" {
		t, err := time.Parse(time.RFC3339, starts)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--starts: %w", err)
		}

		begin = t
	}

	return begin, begin.Add(length), nil
}

func newDelegateRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <delegation-id>",
		Short: "End a delegation early",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			note, _ := cmd.Flags().GetString("note")

			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				if err := st.resolver.Revoke(cmd.Context(), args[0], by, note); err != nil {
					return err
				}

				statusf("Delegation %s revoked.\n", args[0])

				return nil
			})
		},
	}

	cmd.Flags().String("by", "", "revoking user id (the grantor or an admin)")
	cmd.Flags().String("note", "", "revocation note")

	if err := cmd.MarkFlagRequired("by"); err != nil {
		panic(err)
	}

	return cmd
}

func newDelegateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List delegations granted by or to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				list, err := st.resolver.ListForUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if flagJSON {
					if list == nil {
						list = []perms.Delegation{}
					}

					return printJSON(os.Stdout, list)
				}

				printDelegations(list, time.Now())

				return nil
			})
		},
	}
}

func printDelegations(list []perms.Delegation, now time.Time) {
	if len(list) == 0 {
		statusf("No delegations.\n")
		return
	}

	rows := make([][]string, 0, len(list))

	for i := range list {
		d := &list[i]
		rows = append(rows, []string{
			d.ID, d.FromUserID, d.ToUserID, string(d.Code),
			formatTime(time.UnixMilli(d.StartsAt)), formatTime(time.UnixMilli(d.EndsAt)),
			delegationStatus(d, now),
		})
	}

	printTable(os.Stdout, []string{"ID", "FROM", "TO", "CODE", "STARTS", "ENDS", "STATUS"}, rows)
}

func delegationStatus(d *perms.Delegation, now time.Time) string {
	ms := now.UnixMilli()

	switch {
	case d.RevokedAt != nil:
		return "revoked"
	case d.ActiveAt(ms):
		return "active"
	case ms < d.StartsAt:
		return "scheduled"
	default:
		return "ended"
	}
}
