package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"generation-orchestrator/internal/orchestrator"
)

var (
	enqKind        string
	enqScopeKey    string
	enqPayload     string
	enqPriority    int
	enqMaxAttempts int
	enqDelay       int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a plain job",
	Example: `  orchctl enqueue --kind mail.generate --scope-key thread-9 --payload '{"thread_id":9}'
  orchctl enqueue --kind search.spellcheck --delay 30 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.EnqueueJobRequest{
			Kind:         enqKind,
			ScopeKey:     enqScopeKey,
			Priority:     enqPriority,
			MaxAttempts:  enqMaxAttempts,
			DelaySeconds: enqDelay,
		}
		if enqPayload != "" {
			if !json.Valid([]byte(enqPayload)) {
				return errors.New("--payload must be valid JSON")
			}
			req.Payload = json.RawMessage(enqPayload)
		}
		job, err := orch.Controller.EnqueueJob(cmd.Context(), req)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, job, func(w io.Writer) { printJob(w, job) })
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqKind, "kind", "", "Job kind")
	enqueueCmd.Flags().StringVar(&enqScopeKey, "scope-key", "", "Optional scope key")
	enqueueCmd.Flags().StringVar(&enqPayload, "payload", "", "JSON payload")
	enqueueCmd.Flags().IntVar(&enqPriority, "priority", 0, "Lower runs first; 0 is the highest priority")
	enqueueCmd.Flags().IntVar(&enqMaxAttempts, "max-attempts", 0, "Attempt budget (0 uses MAX_ATTEMPTS)")
	enqueueCmd.Flags().IntVar(&enqDelay, "delay", 0, "Seconds before the job becomes claimable")
	_ = enqueueCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(enqueueCmd)
}
