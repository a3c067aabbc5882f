package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ledgersync/internal/envelope"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage field encryption keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate a new primary key and keep older keys for decryption",
		Long: `Generate a 32-byte key and prepend it to crypto.key_file. The new key
encrypts from now on; the previous keys stay in the file so existing values
still decrypt. A running server picks up the change on its own.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := resolvedCfg.Crypto.KeyFile
			if path == "" {
				return errors.New("crypto.key_file is not set")
			}

			key, err := envelope.GenerateKey()
			if err != nil {
				return err
			}

			if err := envelope.PrependKey(path, key); err != nil {
				return err
			}

			ring, err := envelope.LoadKeyFile(path)
			if err != nil {
				return err
			}

			statusf("New primary key written to %s (%d key(s) in ring).\n", path, ring.Len())

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a new base64 key without touching the key file",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := envelope.GenerateKey()
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, base64.StdEncoding.EncodeToString(key))

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify that crypto.key_file parses",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := resolvedCfg.Crypto.KeyFile
			if path == "" {
				return errors.New("crypto.key_file is not set")
			}

			ring, err := envelope.LoadKeyFile(path)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "%s: %d key(s)\n", path, ring.Len())

			return nil
		},
	})

	return cmd
}
