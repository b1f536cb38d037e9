package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bundle-alerts/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent bundle alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Display active alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rules(cmd.Context())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
}
