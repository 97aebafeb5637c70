package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/proctorhq/proctor/internal/webserver"
)

func newServeCommand() *cobra.Command {
	var port int
	var resultsDir string
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the results dashboard",
		Long: `Start a local web server over the run artifacts in a results directory.

Serves a REST API under /api plus server-rendered report pages:
  GET /api/health                 Server health
  GET /api/summary                Aggregate stats across runs
  GET /api/runs                   List runs (sortable)
  GET /api/runs/{id}              Run detail
  GET /api/runs/{id}/progress     Live progress for an in-flight run
  GET /report/{id}                HTML report page

The server binds to localhost only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := webserver.New(webserver.Config{
				Port:       port,
				ResultsDir: resultsDir,
				NoBrowser:  noBrowser,
				Logger:     slog.Default(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 3000, "Port to listen on")
	cmd.Flags().StringVar(&resultsDir, "results-dir", "results", "Directory containing run artifacts")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not open the dashboard in a browser")

	return cmd
}
