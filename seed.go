package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/store"
)

// seedFile is the YAML fixture accepted by `ledgersync seed`.
type seedFile struct {
	Users       []seedUser       `yaml:"users"`
	Overrides   []seedOverride   `yaml:"overrides"`
	Delegations []seedDelegation `yaml:"delegations"`
}

type seedUser struct {
	ID             string `yaml:"id"`
	Login          string `yaml:"login"`
	Role           string `yaml:"role"`
	AccessDisabled bool   `yaml:"access_disabled"`
}

type seedOverride struct {
	User    string `yaml:"user"`
	Code    string `yaml:"code"`
	Allowed bool   `yaml:"allowed"`
}

type seedDelegation struct {
	From   string    `yaml:"from"`
	To     string    `yaml:"to"`
	Code   string    `yaml:"code"`
	Starts time.Time `yaml:"starts"`
	Ends   time.Time `yaml:"ends"`
	Note   string    `yaml:"note"`
}

// seedResult counts what a seed run wrote.
type seedResult struct {
	Users       int `json:"users"`
	Overrides   int `json:"overrides"`
	Delegations int `json:"delegations"`
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load users, overrides and delegations from a YAML fixture",
		Long: `Load accounts into the server database from a YAML fixture:

  users:
    - {id: u1, login: alice, role: admin}
    - {id: u2, login: bob, role: employee}
  overrides:
    - {user: u2, code: sync.use, allowed: true}
  delegations:
    - {from: u1, to: u2, code: chat.export, starts: 2026-01-01T00:00:00Z, ends: 2026-02-01T00:00:00Z}

Users are upserted, so the same file can be applied repeatedly. Delegations
are always added.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading seed file: %w", err)
			}

			seed, err := parseSeed(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			return withServerStack(cmd.Context(), func(st *serverStack, _ *slog.Logger) error {
				res, err := applySeed(cmd.Context(), st, seed, time.Now())
				if err != nil {
					return err
				}

				if flagJSON {
					return printJSON(os.Stdout, res)
				}

				statusf("Seeded %d user(s), %d override(s), %d delegation(s).\n",
					res.Users, res.Overrides, res.Delegations)

				return nil
			})
		},
	}
}

// parseSeed decodes a fixture, rejecting unknown keys.
func parseSeed(data []byte) (*seedFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var seed seedFile
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}

	for i, u := range seed.Users {
		if u.ID == "" || u.Login == "" {
			return nil, fmt.Errorf("users[%d]: id and login are required", i)
		}
	}

	for i, o := range seed.Overrides {
		if !perms.IsKnown(perms.Code(o.Code)) {
			return nil, fmt.Errorf("overrides[%d]: unknown permission code %q", i, o.Code)
		}
	}

	return &seed, nil
}

// applySeed writes users and overrides first so delegations can check what
// their grantors hold.
func applySeed(ctx context.Context, st *serverStack, seed *seedFile, now time.Time) (seedResult, error) {
	var res seedResult

	for _, u := range seed.Users {
		err := st.perms.UpsertUser(ctx, perms.User{
			ID: u.ID, Login: u.Login, Role: u.Role, AccessDisabled: u.AccessDisabled,
		})
		if err != nil {
			return res, err
		}

		res.Users++
	}

	for _, o := range seed.Overrides {
		err := st.perms.SetOverride(ctx, perms.Override{
			UserID: o.User, Code: perms.Code(o.Code), Allowed: o.Allowed, UpdatedAt: store.Millis(now),
		})
		if err != nil {
			return res, err
		}

		res.Overrides++
	}

	for i, d := range seed.Delegations {
		_, err := st.resolver.Grant(ctx, perms.GrantRequest{
			FromUserID: d.From,
			ToUserID:   d.To,
			Code:       perms.Code(d.Code),
			StartsAt:   d.Starts.UnixMilli(),
			EndsAt:     d.Ends.UnixMilli(),
			Note:       d.Note,
		})
		if err != nil {
			return res, fmt.Errorf("delegations[%d]: %w", i, err)
		}

		res.Delegations++
	}

	return res, nil
}
