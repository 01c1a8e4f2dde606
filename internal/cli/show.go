package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"protocol-monitor/internal/app"
)

var (
	showProtocol string
	showLimit    int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent snapshots for a protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showProtocol == "" {
			return fmt.Errorf("--protocol must be provided")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Protocol: showProtocol,
			Limit:    showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showProtocol, "protocol", "", "Protocol identifier")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of snapshots to display")
}
