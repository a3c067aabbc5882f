package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/store"
)

func newPermsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perms",
		Short: "Inspect and override user permissions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's effective permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				return showPerms(cmd.Context(), st, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <user-id> <code> <allow|deny>",
		Short: "Set an explicit per-user override",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			allowed, err := parseAllow(args[2])
			if err != nil {
				return err
			}

			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				err := st.perms.SetOverride(cmd.Context(), perms.Override{
					UserID:    args[0],
					Code:      perms.Code(args[1]),
					Allowed:   allowed,
					UpdatedAt: store.Millis(time.Now()),
				})
				if err != nil {
					return err
				}

				statusf("Override stored: %s %s=%t.\n", args[0], args[1], allowed)

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <user-id> <code>",
		Short: "Remove an override so the role default applies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				if err := st.perms.ClearOverride(cmd.Context(), args[0], perms.Code(args[1])); err != nil {
					return err
				}

				statusf("Override cleared: %s %s.\n", args[0], args[1])

				return nil
			})
		},
	})

	return cmd
}

func parseAllow(s string) (bool, error) {
	switch s {
	case "allow", "grant":
		return true, nil
	case "deny", "revoke":
		return false, nil
	}

	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected allow or deny, got %q", s)
	}

	return b, nil
}

func showPerms(ctx context.Context, st *serverStack, userID string) error {
	set, err := st.resolver.EffectivePermissions(ctx, userID)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, map[string]any{"user_id": userID, "permissions": set})
	}

	overrides, err := st.perms.ListOverrides(ctx, userID)
	if err != nil {
		return err
	}

	source := make(map[perms.Code]string, len(overrides))
	for _, o := range overrides {
		source[o.Code] = "override"
	}

	rows := make([][]string, 0, len(set))

	for _, code := range perms.KnownCodes() {
		granted := "no"
		if set.Allowed(code) {
			granted = "yes"
		}

		note := source[code]
		if perms.IsProtected(code) {
			note = joinNote(note, "protected")
		}

		rows = append(rows, []string{string(code), granted, note})
	}

	printTable(os.Stdout, []string{"CODE", "GRANTED", "NOTE"}, rows)

	return nil
}

func joinNote(a, b string) string {
	if a == "" {
		return b
	}

	return a + ", " + b
}
