// Package toolchain defines the device toolchain surface the engine
// compiles and launches kernels through, plus a simulated implementation
// used by tests and the demo CLI.
//
// The engine requires only this surface: compile opaque kernel bytes into a
// module, invoke a module with bound buffers, submit a batch of launches as
// one command buffer, and unload a module. Real device backends live behind
// the same interface.
package toolchain

import "context"

// Module is an opaque handle to device-resident compiled code. Modules are
// owned by the artifact whose cache compiled them and are never shared.
type Module interface {
	// ID identifies the module within its toolchain, for logs and
	// teardown diagnostics.
	ID() string
}

// LaunchKind distinguishes the operations a command buffer can carry.
type LaunchKind int

const (
	// LaunchKernel runs a compiled module.
	LaunchKernel LaunchKind = iota + 1
	// LaunchCopy copies Inputs[0] into Outputs[0] on the device.
	LaunchCopy
)

// Launch is one captured operation inside a command-buffer submission.
type Launch struct {
	Kind    LaunchKind
	Module  Module // LaunchKernel only
	Inputs  [][]byte
	Outputs [][]byte
}

// Toolchain is the external device toolchain surface.
//
// Implementations must make Submit observably equivalent to invoking the
// launches one by one in order: batching changes submission granularity,
// never semantics.
type Toolchain interface {
	// Compile turns opaque kernel bytes into a loaded device module.
	Compile(ctx context.Context, body []byte) (Module, error)

	// Invoke runs one module against bound input and output buffers.
	Invoke(ctx context.Context, m Module, inputs, outputs [][]byte) error

	// Submit runs an ordered launch sequence as one device submission.
	Submit(ctx context.Context, launches []Launch) error

	// Unload releases a module's device-resident state. A module may be
	// unloaded at most once.
	Unload(m Module) error
}
