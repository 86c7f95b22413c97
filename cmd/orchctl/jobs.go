package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/store"
)

var (
	jobsStatus  string
	jobsKind    string
	jobsLimit   int
	eventsFrom  int64
	eventsLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and requeue jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs (optionally by status and kind)",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := orch.Controller.ListJobs(cmd.Context(), store.ListJobsParams{
			Status: models.JobStatus(jobsStatus),
			Kind:   jobsKind,
			Limit:  jobsLimit,
		})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, jobs, func(w io.Writer) {
			for _, j := range jobs {
				printJob(w, j)
			}
		})
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		job, err := orch.Controller.GetJob(cmd.Context(), id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, job, func(w io.Writer) { printJob(w, job) })
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a failed plain job back to queued with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		job, err := orch.Controller.RequeueJob(cmd.Context(), id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, job, func(w io.Writer) { printJob(w, job) })
	},
}

var jobsEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print a job's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		evs, err := orch.Controller.JobEvents(cmd.Context(), id, eventsFrom, eventsLimit)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, evs, func(w io.Writer) {
			for _, ev := range evs {
				printEvent(w, ev)
			}
		})
	},
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (queued|running|completed|failed)")
	jobsListCmd.Flags().StringVar(&jobsKind, "kind", "", "Filter by kind")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Max rows")
	jobsEventsCmd.Flags().Int64Var(&eventsFrom, "after", 0, "Only events with a greater id")
	jobsEventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "Max events")
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsRequeueCmd, jobsEventsCmd)
	rootCmd.AddCommand(jobsCmd)
}
