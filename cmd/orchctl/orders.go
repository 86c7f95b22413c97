package main

import (
	"io"

	"github.com/spf13/cobra"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/store"
)

var (
	ordersStatus    string
	ordersScopeType string
	ordersScopeKey  string
	ordersLimit     int
	cancelReason    string
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Inspect and cancel generation orders",
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders (optionally by status and scope)",
	RunE: func(cmd *cobra.Command, args []string) error {
		orders, err := orch.Controller.ListOrders(cmd.Context(), store.ListOrdersParams{
			Status:    models.OrderStatus(ordersStatus),
			ScopeType: ordersScopeType,
			ScopeKey:  ordersScopeKey,
			Limit:     ordersLimit,
		})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, orders, func(w io.Writer) {
			for _, o := range orders {
				printOrder(w, o)
			}
		})
	},
}

var ordersGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		order, err := orch.Controller.GetOrder(cmd.Context(), id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, order, func(w io.Writer) { printOrder(w, order) })
	},
}

var ordersCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running order and release its lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		order, err := orch.Controller.CancelOrder(cmd.Context(), id, cancelReason)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, order, func(w io.Writer) { printOrder(w, order) })
	},
}

var ordersLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print the full event log of an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		evs, err := orch.Controller.OrderLogs(cmd.Context(), id)
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

func init() {
	ordersListCmd.Flags().StringVar(&ordersStatus, "status", "", "Filter by status (queued|running|completed|failed|cancelled)")
	ordersListCmd.Flags().StringVar(&ordersScopeType, "scope-type", "", "Filter by scope type (query|intent|thread)")
	ordersListCmd.Flags().StringVar(&ordersScopeKey, "scope-key", "", "Filter by scope key")
	ordersListCmd.Flags().IntVar(&ordersLimit, "limit", 50, "Max rows")
	ordersCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason recorded on the order")
	ordersCmd.AddCommand(ordersListCmd, ordersGetCmd, ordersCancelCmd, ordersLogsCmd)
	rootCmd.AddCommand(ordersCmd)
}
