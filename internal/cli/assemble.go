package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kiln-gpu/kiln/internal/assemble"
	"github.com/kiln-gpu/kiln/internal/manifest"
)

// AssembleOptions holds flags for the assemble command.
type AssembleOptions struct {
	*RootOptions
	MinRunLength int
}

// NewAssembleCommand creates the assemble command.
func NewAssembleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AssembleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "assemble <manifest.cue>",
		Short: "Show a plan before and after command-buffer assembly",
		Long: `Load a CUE plan manifest and print its execution plan twice: as
declared, and after the assembler rewrites eligible runs into command
buffers. Nothing is executed.

Example:
  kiln assemble ./demo.cue
  kiln assemble ./demo.cue --min-run-length 2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssemble(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MinRunLength, "min-run-length", 0, "batching threshold override (0 = engine default)")

	return cmd
}

func runAssemble(opts *AssembleOptions, path string, cmd *cobra.Command) error {
	m, err := manifest.LoadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifest", err)
	}

	p, err := m.Plan()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build plan", err)
	}

	assembleOpts := []assemble.Option{}
	if opts.MinRunLength > 0 {
		assembleOpts = append(assembleOpts, assemble.WithMinRunLength(opts.MinRunLength))
	}
	rewritten, err := assemble.Assemble(p, assembleOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to assemble plan", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(map[string]any{
			"manifest":       m.Name,
			"plan_before":    p.Render(),
			"plan_after":     rewritten.Render(),
			"records_before": p.Len(),
			"records_after":  rewritten.Len(),
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "plan for %s (before assembly):\n%s", m.Name, p.Render())
	fmt.Fprintf(out, "plan for %s (after assembly):\n%s", m.Name, rewritten.Render())
	return nil
}
