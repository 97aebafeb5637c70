package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/proctorhq/proctor/internal/scaffold"
	"github.com/proctorhq/proctor/internal/wizard"
)

func newNewCommand() *cobra.Command {
	var withCommand bool

	cmd := &cobra.Command{
		Use:   "new <plan-name>",
		Short: "Create a new assessment plan",
		Long: `Create a new assessment plan with a starter task list.

Writes <plan-name>.yaml in the current directory along with a results/
directory for run artifacts. Defaults come from .proctor.yaml when one
exists in or above the working directory.

When running in a terminal (TTY), launches an interactive wizard for plan
metadata collection. In non-interactive environments (CI, pipes), uses
defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommandE(cmd, args, withCommand)
		},
	}

	cmd.Flags().BoolVar(&withCommand, "with-command", false, "Include a worker command stub in the plan")

	return cmd
}

func newCommandE(cmd *cobra.Command, args []string, withCommand bool) error {
	planName := args[0]

	if err := scaffold.ValidateName(planName); err != nil {
		return err
	}

	// Check TTY from the command's input stream, not os.Stdin directly.
	inReader := cmd.InOrStdin()
	isTTY := false
	if f, ok := inReader.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}

	var planYAML string
	var resultsDir string
	if isTTY {
		spec, err := wizard.RunPlanWizard(cmd.InOrStdin(), cmd.OutOrStdout(), planName)
		if err != nil {
			return err
		}
		// The wizard pre-fills the CLI argument; a changed name wins.
		if spec.Name == "" {
			spec.Name = planName
		}
		planName = spec.Name
		content, err := wizard.GeneratePlanYAML(spec)
		if err != nil {
			return fmt.Errorf("failed to generate plan: %w", err)
		}
		planYAML = content
		resultsDir = scaffold.ReadProjectDefaults().ResultsDir
	} else {
		params := scaffold.PlanParams{Name: planName}
		if withCommand {
			params.WorkerCommand = []string{"python", "-m", "worker.agent"}
		}
		content, err := scaffold.GeneratePlanYAML(params)
		if err != nil {
			return fmt.Errorf("failed to generate plan: %w", err)
		}
		planYAML = content
		resultsDir = scaffold.ReadProjectDefaults().ResultsDir
	}

	if resultsDir != "" && !filepath.IsAbs(resultsDir) {
		if err := os.MkdirAll(resultsDir, 0o755); err != nil {
			return fmt.Errorf("failed to create results directory %s: %w", resultsDir, err)
		}
	}

	files := []fileEntry{
		{planName + ".yaml", planYAML},
	}
	return writeFiles(cmd, files)
}

// fileEntry pairs a path with its content for batch writing.
type fileEntry struct {
	path    string
	content string
}

// writeFiles writes each file, skipping any that already exist.
func writeFiles(cmd *cobra.Command, files []fileEntry) error {
	fmt.Fprintln(cmd.OutOrStdout(), "Scaffolding plan:") //nolint:errcheck

	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  skip %s (already exists)\n", f.path) //nolint:errcheck
			continue
		}

		if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  create %s\n", f.path) //nolint:errcheck
	}

	return nil
}
