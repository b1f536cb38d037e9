package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"bundle-alerts/internal/app"
)

var (
	simulateChatID    int64
	simulateAddress   string
	simulateAmounts   []string
	simulateTolerance string
	simulateMinCount  int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一组转账并触发 bundle 告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateChatID == 0 {
			return errors.New("--chat-id 必须提供")
		}
		if len(simulateAmounts) == 0 {
			return errors.New("--amounts 必须提供至少一个金额")
		}
		if simulateMinCount <= 0 {
			return errors.New("--min-count 必须大于 0")
		}

		opts := app.SimulateOptions{
			ChatID:    simulateChatID,
			Address:   simulateAddress,
			Amounts:   simulateAmounts,
			Tolerance: simulateTolerance,
			MinCount:  simulateMinCount,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateChatID, "chat-id", 0, "接收告警的 Telegram chat id")
	simulateCmd.Flags().StringVar(&simulateAddress, "address", "11111111111111111111111111111111", "Tracked wallet address")
	simulateCmd.Flags().StringSliceVar(&simulateAmounts, "amounts", nil, "Transfer amounts in SOL, comma separated")
	simulateCmd.Flags().StringVar(&simulateTolerance, "tolerance", "0.05", "Allowed max-min spread in SOL")
	simulateCmd.Flags().IntVar(&simulateMinCount, "min-count", 3, "Minimum cluster size")
}
