package cli

import (
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Display the account equity summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowAccount(cmd.Context())
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Display open positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowPositions(cmd.Context())
	},
}
