package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"keyrelay/pkg/fingerprint"
)

var verifyNumber string

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	fingerprintCmd.Flags().StringVar(&verifyNumber, "verify", "", "compare against this safety number instead of printing it")
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <user> <remote-user>",
	Short: "Print or verify the safety number between two users",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		if verifyNumber != "" {
			ok, err := svc.Fingerprints.Verify(ctx, args[0], args[1], verifyNumber)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("safety number does not match")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "match")
			return nil
		}
		fp, err := svc.Fingerprints.ComputeForUsers(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), fingerprint.Format(fp))
		return nil
	},
}
