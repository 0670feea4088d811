package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spreadwatcher/internal/app"
)

var (
	showMetal string
	showPair  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the latest spreads, or one pair's recent history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Family: showMetal,
			Pair:   showPair,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showMetal, "metal", "", "Commodity family")
	showCmd.Flags().StringVar(&showPair, "pair", "", "Pair ID (omit for an overview of all pairs)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display for --pair")
	_ = showCmd.MarkFlagRequired("metal")
}
