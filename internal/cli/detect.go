package cli

import (
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run a one-shot anomaly detection pass over stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Detect(cmd.Context())
	},
}
