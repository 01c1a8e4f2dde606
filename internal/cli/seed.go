package cli

import (
	"github.com/spf13/cobra"

	"protocol-monitor/internal/app"
)

var (
	seedProtocol  string
	seedSlackTest bool
)

var seedCmd = &cobra.Command{
	Use:   "seed-demo",
	Short: "Insert fabricated history that trips every anomaly rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SeedOptions{
			Protocol:  seedProtocol,
			SlackTest: seedSlackTest,
		}
		return getApp().SeedDemo(cmd.Context(), opts)
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedProtocol, "protocol", "aave-v3", "Protocol identifier to seed")
	seedCmd.Flags().BoolVar(&seedSlackTest, "slack-test", false, "Send a Slack connectivity test message")
}
