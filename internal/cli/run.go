package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kiln-gpu/kiln/internal/artifact"
	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/manifest"
	"github.com/kiln-gpu/kiln/internal/plan"
	"github.com/kiln-gpu/kiln/internal/toolchain"
	"github.com/kiln-gpu/kiln/internal/tracestore"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database     string
	MinRunLength int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <manifest.cue>",
		Short: "Load a plan manifest and execute it",
		Long: `Load a CUE plan manifest, assemble the plan, and execute it once
against the simulated device toolchain.

The manifest declares kernels, buffer sizes, and the step list. Buffers
start zeroed; final element values are printed per buffer. With --db the
engine's compiled/unloaded notifications are persisted for later
inspection with "kiln trace".

Example:
  kiln run ./demo.cue
  kiln run --db ./kiln.db ./demo.cue --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite trace database (optional)")
	cmd.Flags().IntVar(&opts.MinRunLength, "min-run-length", 0, "batching threshold override (0 = engine default)")

	return cmd
}

func runManifest(opts *RunOptions, path string, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)

	slog.Info("loading manifest", "path", path)
	m, err := manifest.LoadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifest", err)
	}

	p, err := m.Plan()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build plan", err)
	}
	slog.Info("manifest loaded", "name", m.Name, "kernels", len(m.Kernels), "records", p.Len())

	notifier := events.Notifier(events.NewLog(nil))
	var store *tracestore.Store
	var storeNotifier *tracestore.Notifier
	if opts.Database != "" {
		slog.Info("opening trace database", "path", opts.Database)
		store, err = tracestore.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open trace database", err)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				slog.Error("error closing trace database", "error", closeErr)
			}
		}()
		storeNotifier = tracestore.NewNotifier(store, m.Name)
		notifier = events.Multi(notifier, storeNotifier)
	}

	artifactOpts := []artifact.Option{artifact.WithNotifier(notifier)}
	if opts.MinRunLength > 0 {
		artifactOpts = append(artifactOpts, artifact.WithMinRunLength(opts.MinRunLength))
	}

	a, err := artifact.Load(p, toolchain.NewSim(), artifactOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load artifact", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error closing artifact", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	bufs := m.AllocateBuffers()
	slog.Info("executing plan", "artifact", a.ID(), "records", a.Plan().Len())
	if err := a.Execute(ctx, bufs); err != nil {
		return WrapExitError(ExitFailure, "execution failed", err)
	}

	if storeNotifier != nil {
		if err := storeNotifier.Err(); err != nil {
			return WrapExitError(ExitFailure, "trace write failed", err)
		}
	}

	return printBuffers(opts, cmd, m, bufs)
}

func printBuffers(opts *RunOptions, cmd *cobra.Command, m *manifest.Manifest, bufs plan.Buffers) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	names := make([]string, 0, len(bufs))
	for name := range bufs {
		names = append(names, string(name))
	}
	sort.Strings(names)

	if opts.Format == "json" {
		values := make(map[string][]int32, len(bufs))
		for _, name := range names {
			values[name] = toolchain.DecodeInt32s(bufs[plan.BufferID(name)])
		}
		return formatter.Success(map[string]any{
			"manifest": m.Name,
			"buffers":  values,
		})
	}

	for _, name := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", name, toolchain.DecodeInt32s(bufs[plan.BufferID(name)]))
	}
	return nil
}

// configureLogging sets the process-wide slog handler.
func configureLogging(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// signalContext derives a context cancelled by SIGINT/SIGTERM, rooted at
// the command's context so tests can cancel externally.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
