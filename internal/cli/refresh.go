package cli

import (
	"github.com/spf13/cobra"

	"spreadwatcher/internal/app"
)

var (
	refreshMetal string
	refreshAll   bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch, align and store spreads once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Refresh(cmd.Context(), app.RefreshOptions{
			Family: refreshMetal,
			All:    refreshAll,
		})
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshMetal, "metal", "", "Commodity family to refresh")
	refreshCmd.Flags().BoolVar(&refreshAll, "all", false, "Refresh every configured family")
	refreshCmd.MarkFlagsMutuallyExclusive("metal", "all")
}
