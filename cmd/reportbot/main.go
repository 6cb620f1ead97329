package main

import (
	"os"

	"github.com/spf13/cobra"

	logx "reportbot/pkg/logx"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "reportbot",
	Short:         "Scheduled report notifications for Telegram",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	rootCmd.AddCommand(serveCmd, nextCmd, sendNowCmd, historyCmd, validateCmd, statusCmd, branchesCmd)

	if err := rootCmd.Execute(); err != nil {
		logx.NewConsole("info").Error("command failed", logx.Err(err))
		os.Exit(1)
	}
}
