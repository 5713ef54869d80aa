package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"keyrelay/internal/retention"
	"keyrelay/pkg/models"
)

var gcDryRun bool

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "report what would be deleted without deleting")
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one retention pass over used prekeys and expired signed prekeys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cfg, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()

		rc := cfg.Retention
		rc.DryRun = rc.DryRun || gcDryRun
		m := retention.New(rc, svc.PreKeys, svc.Signed, models.SystemClock())
		rep, err := m.RunImmediate(context.Background())
		if err != nil {
			return err
		}
		verb := "deleted"
		if rep.DryRun {
			verb = "would delete"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s %d used prekeys and %d signed prekeys in %s\n",
			rep.RunID, verb, rep.PreKeys, rep.SignedPreKeys, rep.Duration)
		return nil
	},
}
