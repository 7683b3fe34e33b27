package cli

import (
	"github.com/spf13/cobra"

	"ratewatch/internal/app"
)

var runDriver string

var publisherCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Run the rate tracker that samples the upstream rate and publishes it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunPublisher(cmd.Context())
	},
}

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Run the mark evaluator that deactivates triggered marks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunConsumer(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the rate tracker and the mark evaluator in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunAll(cmd.Context(), app.RunOptions{Driver: runDriver})
	},
}

func init() {
	runCmd.Flags().StringVar(&runDriver, "transport", "", "Override transport.driver (amqp, redis, memory)")
}
