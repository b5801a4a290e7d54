package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateReported string
	simulateAnchor   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-guard",
	Short: "模拟一次报价守卫并在偏离时触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		reported, err := decimal.NewFromString(simulateReported)
		if err != nil {
			return errors.New("--reported 必须是十进制数")
		}
		anchorPrice, err := decimal.NewFromString(simulateAnchor)
		if err != nil {
			return errors.New("--anchor 必须是十进制数")
		}
		if !reported.IsPositive() || !anchorPrice.IsPositive() {
			return errors.New("--reported 与 --anchor 必须大于 0")
		}
		return getApp().SimulateGuard(cmd.Context(), reported, anchorPrice)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateReported, "reported", "", "报价 (USD)")
	simulateCmd.Flags().StringVar(&simulateAnchor, "anchor", "", "锚定价 (USD)")
}
