package main

import (
	"os"

	"github.com/spf13/cobra"
)

func Run(args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "lunchd",
		Short:         "weekly lunch menu archiver and mail notifier",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./lunchd.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newArchiveCmd(&cfgPath),
		newNotifyCmd(&cfgPath),
		newMigrateCmd(&cfgPath),
	)
	return root
}

func main() {
	if err := Run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
