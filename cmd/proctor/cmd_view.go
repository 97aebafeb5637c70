package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/proctorhq/proctor/internal/session"
)

func newViewCommand() *cobra.Command {
	var resultsDir string

	cmd := &cobra.Command{
		Use:   "view [log-file]",
		Short: "View a run event log as a timeline",
		Long: `View a run event log as a human-readable timeline.

With no arguments, lists the run logs in the results directory, newest
first. Pass a log file path to render its timeline. Compacted logs
(.jsonl.zst) are decompressed transparently.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()

			if len(args) == 0 {
				logs, err := session.ListLogs(resultsDir)
				if err != nil {
					return err
				}
				if len(logs) == 0 {
					fmt.Fprintf(w, "No run logs found in %s\n", resultsDir) //nolint:errcheck
					return nil
				}

				fmt.Fprintf(w, "%s  %s  %s\n", //nolint:errcheck
					padRight("Log", 48), padRight("Events", 7), "Modified")
				for _, lf := range logs {
					fmt.Fprintf(w, "%s  %s  %s\n", //nolint:errcheck
						padRight(lf.Name, 48),
						padRight(fmt.Sprintf("%d", lf.NumEvents), 7),
						lf.ModTime.Format("2006-01-02 15:04:05"))
				}
				fmt.Fprintf(w, "\nRun 'proctor view <log-file>' to see a timeline.\n") //nolint:errcheck
				return nil
			}

			events, err := session.ReadEvents(args[0])
			if err != nil {
				return err
			}
			session.RenderTimeline(w, events)
			return nil
		},
	}

	cmd.Flags().StringVar(&resultsDir, "results-dir", "results", "Directory containing run logs")

	return cmd
}
