package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bundle alert service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Evaluate all active rules once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunOnce(cmd.Context())
	},
}
