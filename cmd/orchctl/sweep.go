package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass: recover stuck jobs, drop expired leases, prune events",
	RunE: func(cmd *cobra.Command, args []string) error {
		sw, err := orch.Sweeper(cmd.Context())
		if err != nil {
			return err
		}
		rep, err := sw.SweepOnce(cmd.Context())
		if rerr := render(cmd.OutOrStdout(), outputFmt, rep, func(w io.Writer) {
			fmt.Fprintf(w, "recovered=%d exhausted=%d leases_deleted=%d scopes_pruned=%d events_pruned=%d events_archived=%d\n",
				rep.Recovered, rep.Exhausted, rep.LeasesDeleted, rep.ScopesPruned, rep.EventsPruned, rep.EventsArchived)
		}); rerr != nil {
			return rerr
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
