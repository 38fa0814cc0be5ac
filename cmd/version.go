package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
	"github.com/wengley/universal-bot-discord/universalbot"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			universalbot.Version,
			universalbot.CommitSHA,
			universalbot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
