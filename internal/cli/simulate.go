package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ratewatch/internal/app"
)

var (
	simulateRate   string
	simulateDryRun bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-rate",
	Short: "Publish one rate sample as if it came from the upstream provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := decimal.NewFromString(simulateRate)
		if err != nil {
			return fmt.Errorf("--rate must be a number: %w", err)
		}
		if !rate.IsPositive() {
			return fmt.Errorf("--rate must be greater than zero")
		}

		return getApp().SimulateRate(cmd.Context(), rate, app.SimulateOptions{DryRun: simulateDryRun})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRate, "rate", "", "Rate value to publish")
	simulateCmd.Flags().BoolVar(&simulateDryRun, "dry-run", false, "List the marks the rate would trigger without publishing")
	_ = simulateCmd.MarkFlagRequired("rate")
}
