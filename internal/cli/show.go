package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pegkeeper/internal/app"
)

var (
	showLimit int
)

var showTradesCmd = &cobra.Command{
	Use:   "show-trades",
	Short: "Display recent execution attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().ShowTrades(cmd.Context(), opts)
	},
}

func init() {
	showTradesCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of trades to display")
}
