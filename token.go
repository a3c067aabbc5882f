package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ledgersync/internal/tokenfile"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}

	cmd.AddCommand(newTokenIssueCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				n, err := st.tokens.PurgeExpired(cmd.Context())
				if err != nil {
					return err
				}

				statusf("Purged %d expired token(s).\n", n)

				return nil
			})
		},
	})

	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for a user",
		Long: `Issue a bearer token for an existing user. The token lifetime follows
auth.refresh_token_days. With --save the token is written to the client
credentials file instead of being printed.`,
		RunE: runTokenIssue,
	}

	cmd.Flags().String("user", "", "user id to issue the token for")
	cmd.Flags().String("client-id", "", "device id to store alongside the token (with --save)")
	cmd.Flags().Bool("save", false, "write the token to client.credentials_file")

	if err := cmd.MarkFlagRequired("user"); err != nil {
		panic(err)
	}

	return cmd
}

// issuedToken is the --json output of token issue.
type issuedToken struct {
	UserID    string `json:"user_id"`
	Token     string `json:"token,omitempty"`
	ExpiresAt string `json:"expires_at"`
	SavedTo   string `json:"saved_to,omitempty"`
}

func runTokenIssue(cmd *cobra.Command, _ []string) error {
	userID, _ := cmd.Flags().GetString("user")
	clientID, _ := cmd.Flags().GetString("client-id")
	save, _ := cmd.Flags().GetBool("save")

	cfg := resolvedCfg.Config

	return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
		token, expires, err := issueForUser(cmd.Context(), st, userID, cfg.Auth.RefreshTokenLifetime())
		if err != nil {
			return err
		}

		out := issuedToken{UserID: userID, ExpiresAt: expires.UTC().Format(time.RFC3339)}

		if save {
			path := cfg.Client.CredentialsFile
			if path == "" {
				return fmt.Errorf("client.credentials_file is not set")
			}

			if err := tokenfile.Save(path, tokenfile.New(token, expires, cfg.Client.ServerURL, userID, clientID)); err != nil {
				return err
			}

			out.SavedTo = path
		} else {
			out.Token = token
		}

		if flagJSON {
			return printJSON(os.Stdout, out)
		}

		if save {
			statusf("Token for %s saved to %s (expires %s).\n", userID, out.SavedTo, out.ExpiresAt)
			return nil
		}

		fmt.Fprintln(os.Stdout, token)
		statusf("Expires %s.\n", out.ExpiresAt)

		return nil
	})
}

// issueForUser refuses tokens for unknown or disabled accounts.
func issueForUser(ctx context.Context, st *serverStack, userID string, lifetime time.Duration) (string, time.Time, error) {
	u, err := st.perms.GetUser(ctx, userID)
	if err != nil {
		return "", time.Time{}, err
	}

	if u == nil {
		return "", time.Time{}, fmt.Errorf("unknown user %q; add it with 'ledgersync seed'", userID)
	}

	if u.AccessDisabled {
		return "", time.Time{}, fmt.Errorf("user %q has access disabled", userID)
	}

	return st.tokens.Issue(ctx, userID, lifetime)
}
