// Package cli is the apparition command line.
package cli

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.json"

type options struct {
	configPath string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "apparition",
		Short:         "Scheduled form check-ins for QR-logged-in accounts",
		Long:          "apparition logs accounts in by QR code, runs their daily check-in form on a schedule, and reports outcomes through telegram, mail or Server-chan.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config (.json, .yaml, .yml)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newCheckinCmd(opts),
		newAccountsCmd(opts),
		newLogsCmd(opts),
		newSchedulesCmd(opts),
		newMigrateCmd(opts),
	)
	return rootCmd
}
