// Package dispatch executes operation records at run time: custom calls
// resolve their kernel through the compilation cache and launch, command
// buffers replay their captured sub-sequence as one device submission.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiln-gpu/kiln/internal/kcache"
	"github.com/kiln-gpu/kiln/internal/plan"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

// InvocationError reports a device-reported fault during one specific call.
// It is scoped to that call: the module's cache entry remains valid and the
// module stays usable for later calls.
type InvocationError struct {
	Ordinal int
	Kind    plan.Kind
	Kernel  string // custom calls only
	Err     error
}

func (e *InvocationError) Error() string {
	if e.Kernel != "" {
		return fmt.Sprintf("invoke record %d (%s %s): %v", e.Ordinal, e.Kind, e.Kernel, e.Err)
	}
	return fmt.Sprintf("invoke record %d (%s): %v", e.Ordinal, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Launcher is the slice of the toolchain surface the dispatcher needs.
type Launcher interface {
	Invoke(ctx context.Context, m toolchain.Module, inputs, outputs [][]byte) error
	Submit(ctx context.Context, launches []toolchain.Launch) error
}

// Dispatcher executes one artifact's records against one device toolchain.
//
// Buffers passed to Execute are borrowed for the call's duration and never
// retained. The dispatcher adds no parallelism: records execute in the
// order the caller presents them.
type Dispatcher struct {
	cache    *kcache.Cache
	launcher Launcher
	logger   *slog.Logger
}

// New creates a dispatcher resolving kernels through the given cache.
func New(cache *kcache.Cache, launcher Launcher) *Dispatcher {
	return &Dispatcher{
		cache:    cache,
		launcher: launcher,
		logger:   slog.Default(),
	}
}

// Execute runs one operation record with the bound buffers.
func (d *Dispatcher) Execute(ctx context.Context, rec plan.Record, bufs plan.Buffers) error {
	switch rec.Kind {
	case plan.KindCustomCall:
		return d.executeCustomCall(ctx, rec, bufs)
	case plan.KindCommandBuffer:
		return d.executeCommandBuffer(ctx, rec, bufs)
	case plan.KindDeviceCopy:
		return d.executeDeviceCopy(ctx, rec, bufs)
	case plan.KindHostCallback:
		if err := rec.Callback(bufs); err != nil {
			return &InvocationError{Ordinal: rec.Ordinal, Kind: rec.Kind, Err: err}
		}
		return nil
	default:
		return fmt.Errorf("dispatch: record %d has unknown kind %d", rec.Ordinal, int(rec.Kind))
	}
}

// ExecutePlan runs every record of the plan in order, stopping at the
// first failure.
func (d *Dispatcher) ExecutePlan(ctx context.Context, p plan.Plan, bufs plan.Buffers) error {
	for _, rec := range p.Records() {
		if err := d.Execute(ctx, rec, bufs); err != nil {
			return err
		}
	}
	return nil
}

// executeCustomCall resolves the kernel (compiling on first use, blocking
// this stream until ready) and invokes it with the bound buffers.
func (d *Dispatcher) executeCustomCall(ctx context.Context, rec plan.Record, bufs plan.Buffers) error {
	module, err := d.cache.Resolve(ctx, rec.Descriptor)
	if err != nil {
		return fmt.Errorf("dispatch record %d: %w", rec.Ordinal, err)
	}

	inputs, err := bind(bufs, rec.Inputs)
	if err != nil {
		return fmt.Errorf("dispatch record %d: %w", rec.Ordinal, err)
	}
	outputs, err := bind(bufs, rec.Outputs)
	if err != nil {
		return fmt.Errorf("dispatch record %d: %w", rec.Ordinal, err)
	}

	if err := d.launcher.Invoke(ctx, module, inputs, outputs); err != nil {
		return &InvocationError{
			Ordinal: rec.Ordinal,
			Kind:    rec.Kind,
			Kernel:  rec.Descriptor.Name(),
			Err:     err,
		}
	}
	return nil
}

// executeDeviceCopy submits a standalone copy as a one-launch submission.
func (d *Dispatcher) executeDeviceCopy(ctx context.Context, rec plan.Record, bufs plan.Buffers) error {
	launch, err := d.copyLaunch(rec, bufs)
	if err != nil {
		return fmt.Errorf("dispatch record %d: %w", rec.Ordinal, err)
	}
	if err := d.launcher.Submit(ctx, []toolchain.Launch{launch}); err != nil {
		return &InvocationError{Ordinal: rec.Ordinal, Kind: rec.Kind, Err: err}
	}
	return nil
}

// executeCommandBuffer resolves every captured kernel through the cache,
// then submits the whole captured sub-sequence as one device submission.
// The observable result is identical to dispatching the captured records
// individually in the same order; only submission granularity changes.
func (d *Dispatcher) executeCommandBuffer(ctx context.Context, rec plan.Record, bufs plan.Buffers) error {
	launches := make([]toolchain.Launch, 0, len(rec.Captured))
	for _, c := range rec.Captured {
		switch c.Kind {
		case plan.KindCustomCall:
			module, err := d.cache.Resolve(ctx, c.Descriptor)
			if err != nil {
				return fmt.Errorf("dispatch record %d (captured %d): %w", rec.Ordinal, c.Ordinal, err)
			}
			inputs, err := bind(bufs, c.Inputs)
			if err != nil {
				return fmt.Errorf("dispatch record %d (captured %d): %w", rec.Ordinal, c.Ordinal, err)
			}
			outputs, err := bind(bufs, c.Outputs)
			if err != nil {
				return fmt.Errorf("dispatch record %d (captured %d): %w", rec.Ordinal, c.Ordinal, err)
			}
			launches = append(launches, toolchain.Launch{
				Kind:    toolchain.LaunchKernel,
				Module:  module,
				Inputs:  inputs,
				Outputs: outputs,
			})
		case plan.KindDeviceCopy:
			launch, err := d.copyLaunch(c, bufs)
			if err != nil {
				return fmt.Errorf("dispatch record %d (captured %d): %w", rec.Ordinal, c.Ordinal, err)
			}
			launches = append(launches, launch)
		default:
			// The assembler never captures other kinds; plan.New rejects
			// them. Reaching this is a constructed-by-hand plan bug.
			return fmt.Errorf("dispatch record %d: captured %s is not executable in a command buffer", rec.Ordinal, c.Kind)
		}
	}

	d.logger.Debug("submitting command buffer",
		"ordinal", rec.Ordinal,
		"launches", len(launches),
	)

	if err := d.launcher.Submit(ctx, launches); err != nil {
		return &InvocationError{Ordinal: rec.Ordinal, Kind: rec.Kind, Err: err}
	}
	return nil
}

func (d *Dispatcher) copyLaunch(rec plan.Record, bufs plan.Buffers) (toolchain.Launch, error) {
	inputs, err := bind(bufs, rec.Inputs)
	if err != nil {
		return toolchain.Launch{}, err
	}
	outputs, err := bind(bufs, rec.Outputs)
	if err != nil {
		return toolchain.Launch{}, err
	}
	return toolchain.Launch{Kind: toolchain.LaunchCopy, Inputs: inputs, Outputs: outputs}, nil
}

// bind gathers the raw buffers for a binding list.
func bind(bufs plan.Buffers, ids []plan.BufferID) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		b, ok := bufs[id]
		if !ok {
			return nil, fmt.Errorf("buffer %s is not bound", id)
		}
		out[i] = b
	}
	return out, nil
}
