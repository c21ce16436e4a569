package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	killSecret string
	killReason string
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Inspect and manage the risk posture",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowRiskState(cmd.Context())
	},
}

var riskHaltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Engage the kill switch",
	RunE: func(cmd *cobra.Command, args []string) error {
		if killSecret == "" {
			return fmt.Errorf("--secret is required")
		}
		return getApp().EngageKillSwitch(cmd.Context(), killSecret, killReason)
	},
}

var riskResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear the kill switch",
	RunE: func(cmd *cobra.Command, args []string) error {
		if killSecret == "" {
			return fmt.Errorf("--secret is required")
		}
		return getApp().ClearKillSwitch(cmd.Context(), killSecret)
	},
}

var riskResetLossCmd = &cobra.Command{
	Use:   "reset-loss",
	Short: "Reset the daily loss counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResetDailyLoss(cmd.Context())
	},
}

var riskSweepCmd = &cobra.Command{
	Use:   "sweep-approvals",
	Short: "Delete expired approval tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SweepApprovals(cmd.Context())
	},
}

func init() {
	riskHaltCmd.Flags().StringVar(&killSecret, "secret", "", "Operator secret")
	riskHaltCmd.Flags().StringVar(&killReason, "reason", "operator engaged", "Reason recorded with the halt")
	riskResumeCmd.Flags().StringVar(&killSecret, "secret", "", "Operator secret")

	riskCmd.AddCommand(riskHaltCmd)
	riskCmd.AddCommand(riskResumeCmd)
	riskCmd.AddCommand(riskResetLossCmd)
	riskCmd.AddCommand(riskSweepCmd)
}
