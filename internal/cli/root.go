// Package cli wires the kalda commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var configPath string

// NewRootCommand builds the kalda command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "kalda",
		Short: "kalda is an autonomous agent daemon",
		Long: "kalda runs a tool-calling agent with persistent multi-session memory,\n" +
			"cron schedules and standing goals.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ~/.kalda/kalda.json)")

	root.AddCommand(newStartCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kalda version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "kalda", Version)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
