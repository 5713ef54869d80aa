package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"keyrelay/pkg/identity"
	"keyrelay/pkg/store"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var kindNames = map[string]string{
	"id":    "identities",
	"idh":   "retired identities",
	"otk":   "one-time prekeys",
	"spk":   "signed prekeys",
	"spki":  "signed prekey index",
	"ses":   "sessions",
	"sesr":  "session index",
	"sk":    "sender keys",
	"skr":   "sender key index",
	"env":   "envelopes",
	"tomb":  "reset tombstones",
	"other": "other",
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [user]",
	Short: "Summarize database contents, or one user's devices and resets",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openServices()
		if err != nil {
			return err
		}
		defer closeFn()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			return inspectUser(cmd, svc.Identities, args[0])
		}

		stats, err := svc.Store.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database: %s (%s on disk)\n", svc.Store.Path(), humanize.IBytes(svc.Store.DiskUsage()))
		for _, k := range store.StatKinds(stats) {
			fmt.Fprintf(out, "  %-20s %s\n", kindNames[k]+":", humanize.Comma(int64(stats[k])))
		}
		return nil
	},
}

func inspectUser(cmd *cobra.Command, ids *identity.Manager, user string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()
	devices, err := ids.Devices(ctx, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "User %s: %d device(s)\n", user, len(devices))
	for _, d := range devices {
		fmt.Fprintf(out, "  device %d  generation %d  registration %d  created %s\n",
			d.DeviceID, d.Generation, d.RegistrationID, humanize.Time(time.Unix(0, d.CreatedTS)))
	}
	tombs, err := ids.Tombstones(ctx, user)
	if err != nil {
		return err
	}
	for _, t := range tombs {
		fmt.Fprintf(out, "  reset %s  %s  generation %d: removed %d prekeys, %d signed prekeys, %d sessions, %d sender keys\n",
			t.ID, humanize.Time(time.Unix(0, t.TS)), t.Generation, t.PreKeys, t.SignedPreKeys, t.Sessions, t.SenderKeys)
	}
	return nil
}
