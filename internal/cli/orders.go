package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradegate/internal/app"
)

var (
	orderSymbol   string
	orderSide     string
	orderQty      string
	orderNotional string
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List and manage orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowOrders(cmd.Context())
	},
}

var orderPlaceCmd = &cobra.Command{
	Use:   "place",
	Short: "Place a market order",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.OrderOptions{Symbol: orderSymbol, Side: orderSide}

		if orderQty != "" {
			qty, err := decimal.NewFromString(orderQty)
			if err != nil {
				return fmt.Errorf("--qty: %w", err)
			}
			opts.Qty = &qty
		}
		if orderNotional != "" {
			notional, err := decimal.NewFromString(orderNotional)
			if err != nil {
				return fmt.Errorf("--notional: %w", err)
			}
			opts.Notional = &notional
		}

		return getApp().PlaceOrder(cmd.Context(), opts)
	},
}

var orderApproveCmd = &cobra.Command{
	Use:   "approve <token>",
	Short: "Execute an order pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ExecuteApproval(cmd.Context(), args[0])
	},
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel one order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CancelOrder(cmd.Context(), args[0])
	},
}

var orderCancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Cancel every non-terminal order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CancelAllOrders(cmd.Context())
	},
}

func init() {
	orderPlaceCmd.Flags().StringVar(&orderSymbol, "symbol", "", "Instrument symbol")
	orderPlaceCmd.Flags().StringVar(&orderSide, "side", "buy", "Order side: buy or sell")
	orderPlaceCmd.Flags().StringVar(&orderQty, "qty", "", "Quantity in units")
	orderPlaceCmd.Flags().StringVar(&orderNotional, "notional", "", "Order size in USD")
	_ = orderPlaceCmd.MarkFlagRequired("symbol")

	ordersCmd.AddCommand(orderPlaceCmd)
	ordersCmd.AddCommand(orderApproveCmd)
	ordersCmd.AddCommand(orderCancelCmd)
	ordersCmd.AddCommand(orderCancelAllCmd)
}
