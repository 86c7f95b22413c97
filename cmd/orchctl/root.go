package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"generation-orchestrator/internal/app"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/logging"
)

var (
	configFile string
	outputFmt  string
	orch       *app.App
)

var rootCmd = &cobra.Command{
	Use:          "orchctl",
	Short:        "Operate the generation job queue, orders and event log.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if orch != nil {
			return nil
		}
		if outputFmt != "text" && outputFmt != "json" && outputFmt != "yaml" {
			return fmt.Errorf("unknown output format %q", outputFmt)
		}
		if configFile != "" {
			if err := os.Setenv("ORCH_CONFIG_FILE", configFile); err != nil {
				return err
			}
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.Setup(cfg.LogLevel).With("service", "orchctl")
		slog.SetDefault(logger)
		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		orch = a
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if orch != nil {
			orch.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides ORCH_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "Output format (text|json|yaml)")
}
