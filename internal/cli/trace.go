package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiln-gpu/kiln/internal/tracestore"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Artifact string
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Dump the persisted notification stream",
		Long: `Read a trace database written by "kiln run --db" and print the
notification stream in emission order.

Example:
  kiln trace --db ./kiln.db
  kiln trace --db ./kiln.db --artifact demo --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite trace database (required)")
	cmd.Flags().StringVar(&opts.Artifact, "artifact", "", "filter by artifact identity")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "trace database not found", err)
	}

	store, err := tracestore.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open trace database", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	notifications, err := store.List(ctx, opts.Artifact)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read notifications", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(map[string]any{
			"notifications": notifications,
			"count":         len(notifications),
		})
	}

	out := cmd.OutOrStdout()
	for _, n := range notifications {
		if n.Digest != "" {
			fmt.Fprintf(out, "%04d %-8s %s #%s\n", n.Seq, n.Kind, n.Kernel, n.Digest[:12])
		} else {
			fmt.Fprintf(out, "%04d %-8s %s\n", n.Seq, n.Kind, n.Kernel)
		}
	}
	fmt.Fprintf(out, "%d notification(s)\n", len(notifications))
	return nil
}
