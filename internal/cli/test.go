package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kiln-gpu/kiln/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run conformance scenarios",
		Long: `Run every scenario YAML file in a directory through the conformance
harness. Each scenario executes twice — batched and unbatched — and fails
when the results diverge or the expect clause is violated.

Example:
  kiln test ./scenarios
  kiln test ./scenarios --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	return cmd
}

type scenarioOutcome struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

func runScenarios(opts *TestOptions, dir string, cmd *cobra.Command) error {
	paths, err := findScenarios(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list scenarios", err)
	}
	if len(paths) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("no scenario files found in %s", dir))
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	outcomes := make([]scenarioOutcome, 0, len(paths))
	failed := 0
	for _, path := range paths {
		outcome := runScenarioFile(path, formatter)
		if !outcome.Passed {
			failed++
		}
		outcomes = append(outcomes, outcome)
	}

	if opts.Format == "json" {
		if err := formatter.Success(map[string]any{
			"scenarios": outcomes,
			"passed":    len(outcomes) - failed,
			"failed":    failed,
		}); err != nil {
			return err
		}
	} else {
		for _, o := range outcomes {
			if o.Passed {
				fmt.Fprintf(cmd.OutOrStdout(), "PASS %s\n", o.Name)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %s\n", o.Name, o.Error)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d passed, %d failed\n", len(outcomes)-failed, failed)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", failed))
	}
	return nil
}

func runScenarioFile(path string, formatter *OutputFormatter) scenarioOutcome {
	name := filepath.Base(path)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return scenarioOutcome{Name: name, Error: err.Error()}
	}

	formatter.VerboseLog("running scenario %s", scenario.Name)
	result, err := harness.Run(scenario)
	if err != nil {
		return scenarioOutcome{Name: scenario.Name, Error: err.Error()}
	}

	formatter.VerboseLog("scenario %s: %d compilations, %d submissions",
		scenario.Name, result.Compilations, result.Submissions)
	return scenarioOutcome{Name: scenario.Name, Passed: true}
}

// findScenarios lists scenario YAML files in sorted order.
func findScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
