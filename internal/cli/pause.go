package cli

import (
	"github.com/spf13/cobra"
)

var pauseReason string

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause trading (the loop keeps observing)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Pause(cmd.Context(), pauseReason)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume trading and reset the error counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Resume(cmd.Context())
	},
}

func init() {
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "Reason recorded with the pause")
}
