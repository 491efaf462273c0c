package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"pegkeeper/internal/app"
)

var (
	simulatePrice        float64
	simulateBaseBalance  float64
	simulateQuoteBalance float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-cycle",
	Short: "Run one decision cycle against a fixed price without trading",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price must be greater than 0")
		}

		return getApp().SimulateCycle(cmd.Context(), app.SimulateOptions{
			Price:        decimal.NewFromFloat(simulatePrice),
			BaseBalance:  decimal.NewFromFloat(simulateBaseBalance),
			QuoteBalance: decimal.NewFromFloat(simulateQuoteBalance),
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Pool price in quote per base")
	simulateCmd.Flags().Float64Var(&simulateBaseBalance, "base-balance", 100000, "Simulated base token balance")
	simulateCmd.Flags().Float64Var(&simulateQuoteBalance, "quote-balance", 100, "Simulated quote asset balance")
}
