package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proctor",
		Short: "Proctor - orchestrate sandboxed agent assessments",
		Long: `Proctor runs assessment plans against a worker agent in sandboxed
environments.

It dispatches tasks, meters tool usage, watches for stalled workers, and
collects per-task results into a durable run artifact.`,
		Version:      version,
		SilenceUsage: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if *debugLogging {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	}

	// Add subcommands
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newCheckCommand())
	cmd.AddCommand(newNewCommand())
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newViewCommand())

	return cmd
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
