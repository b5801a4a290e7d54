package cli

import (
	"github.com/spf13/cobra"
)

var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Switch a symbol between reporter and anchor pricing",
}

var failoverActivateCmd = &cobra.Command{
	Use:   "activate SYMBOL",
	Short: "Publish the anchor price of SYMBOL instead of the reporter's",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().QueueFailover(cmd.Context(), args[0], true)
	},
}

var failoverDeactivateCmd = &cobra.Command{
	Use:   "deactivate SYMBOL",
	Short: "Publish reporter prices for SYMBOL again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().QueueFailover(cmd.Context(), args[0], false)
	},
}

func init() {
	failoverCmd.AddCommand(failoverActivateCmd)
	failoverCmd.AddCommand(failoverDeactivateCmd)
}
