package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const passphraseEnv = "KEYRELAY_EXPORT_PASSPHRASE"

var (
	exportOut  string
	passphrase string
)

func init() {
	rootCmd.AddCommand(exportCmd, importCmd)
	for _, c := range []*cobra.Command{exportCmd, importCmd} {
		c.Flags().StringVarP(&passphrase, "passphrase", "p", "", "seal/open passphrase (default $"+passphraseEnv+")")
	}
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
}

func resolvePassphrase() string {
	if passphrase != "" {
		return passphrase
	}
	return os.Getenv(passphraseEnv)
}

var exportCmd = &cobra.Command{
	Use:   "export <user>",
	Short: "Export a user's key material as a snapshot, sealed when a passphrase is given",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()

		pass := resolvePassphrase()
		if pass == "" {
			fmt.Fprintln(os.Stderr, "warning: exporting unsealed key material")
		}
		blob, err := svc.Identities.ExportKeyMaterial(context.Background(), args[0], pass)
		if err != nil {
			return err
		}
		if exportOut == "" {
			_, err = cmd.OutOrStdout().Write(append(blob, '\n'))
			return err
		}
		if err := os.WriteFile(exportOut, blob, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %s to %s\n", args[0], exportOut)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <user> <file>",
	Short: "Import a snapshot for a user that has no identities yet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		blob, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		svc, _, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()

		snap, err := svc.Identities.ImportKeyMaterial(context.Background(), args[0], blob, resolvePassphrase())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s: %d identities, %d prekeys, %d signed prekeys, %d sessions, %d sender keys\n",
			args[0], len(snap.Identities), len(snap.PreKeys), len(snap.SignedPreKeys), len(snap.Sessions), len(snap.SenderKeys))
		return nil
	},
}
