package cli

import (
	"github.com/spf13/cobra"

	"spreadwatcher/internal/app"
)

var (
	simulateMetal  string
	simulatePair   string
	simulateSpread float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic spread through the alert channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Family:    simulateMetal,
			Pair:      simulatePair,
			SpreadPct: simulateSpread,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMetal, "metal", "", "Commodity family")
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "Pair ID (defaults to the first pair of the family)")
	simulateCmd.Flags().Float64Var(&simulateSpread, "spread", 0, "Spread percent to simulate")
	_ = simulateCmd.MarkFlagRequired("metal")
	_ = simulateCmd.MarkFlagRequired("spread")
}
