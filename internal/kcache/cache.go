// Package kcache caches compiled device kernels by content-addressed
// identity, compiling each identity at most once per owning artifact.
//
// Resolution is single-flight with per-identity granularity: the first
// caller for a digest compiles while any concurrent or later caller for the
// same digest waits on that attempt's result. Unrelated digests compile
// concurrently; the cache-wide mutex only guards the entry map, never a
// compilation.
package kcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/lifecycle"
	"github.com/kiln-gpu/kiln/internal/plan"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

// ErrClosed is returned by Resolve after the cache has been closed.
// A closed cache never hands out modules: the owning artifact is being (or
// has been) torn down and its modules are no longer usable.
var ErrClosed = errors.New("kcache: cache is closed")

// CompileError reports a failed compilation attempt for one identity.
// It is delivered to the originating caller and to every waiter of the
// same attempt.
type CompileError struct {
	Digest plan.Digest
	Kernel string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile kernel %s (%s): %v", e.Kernel, e.Digest.Short(), e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compiler is the slice of the toolchain surface the cache needs.
type Compiler interface {
	Compile(ctx context.Context, body []byte) (toolchain.Module, error)
}

type entryState int

const (
	statePending entryState = iota + 1
	stateReady
	stateFailed
)

// entry is the per-identity state machine: Pending -> Ready | Failed.
// module and err are written before done is closed; waiters read them only
// after <-done, so no lock is needed on the read side.
type entry struct {
	done   chan struct{}
	state  entryState
	module toolchain.Module
	err    error
}

// Cache resolves kernel descriptors to compiled modules for one artifact.
//
// Every successful compilation is registered with the artifact's lifecycle
// manager before any caller can observe the module, and emits exactly one
// compiled notification per identity for the artifact's lifetime.
//
// Failure policy: a failed attempt is delivered to all of its waiters and
// then dropped, so a later Resolve for the same identity retries. Device
// resource exhaustion is often transient; retrying a genuinely malformed
// kernel just fails again.
type Cache struct {
	compiler Compiler
	registry *lifecycle.Manager
	notifier events.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	entries  map[plan.Digest]*entry
	closed   bool
	inflight sync.WaitGroup
}

// New creates a cache compiling through the given compiler and registering
// modules with the given lifecycle manager.
func New(c Compiler, registry *lifecycle.Manager, n events.Notifier) *Cache {
	if n == nil {
		n = events.Nop{}
	}
	return &Cache{
		compiler: c,
		registry: registry,
		notifier: n,
		logger:   slog.Default(),
		entries:  make(map[plan.Digest]*entry),
	}
}

// Resolve returns the compiled module for the descriptor, compiling on
// first use. Blocks the calling stream until the in-flight attempt for the
// same identity settles or ctx is done. A ctx cancellation while waiting
// abandons the wait only; the compilation itself continues for the caller
// that owns it.
func (c *Cache) Resolve(ctx context.Context, desc *plan.KernelDescriptor) (toolchain.Module, error) {
	digest := desc.Digest()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[digest]; ok {
		c.mu.Unlock()
		return c.await(ctx, e)
	}

	e := &entry{done: make(chan struct{}), state: statePending}
	c.entries[digest] = e
	c.inflight.Add(1)
	c.mu.Unlock()

	return c.compile(ctx, desc, e)
}

// await blocks until the entry settles.
func (c *Cache) await(ctx context.Context, e *entry) (toolchain.Module, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
	}
	if e.state == stateReady {
		return e.module, nil
	}
	return nil, e.err
}

// compile runs the single compilation attempt this caller owns.
func (c *Cache) compile(ctx context.Context, desc *plan.KernelDescriptor, e *entry) (toolchain.Module, error) {
	defer c.inflight.Done()

	digest := desc.Digest()
	module, err := c.compiler.Compile(ctx, desc.Body())
	if err == nil {
		// Register before publishing: no caller may observe a module the
		// lifecycle manager does not own.
		err = c.registry.Register(module, desc.Name())
	}

	if err != nil {
		cerr := &CompileError{Digest: digest, Kernel: desc.Name(), Err: err}
		c.mu.Lock()
		e.state = stateFailed
		e.err = cerr
		// Drop the entry so a later Resolve may retry this identity.
		delete(c.entries, digest)
		c.mu.Unlock()
		close(e.done)

		c.logger.Warn("kernel compilation failed",
			"kernel", desc.Name(),
			"digest", digest.Short(),
			"error", err,
		)
		return nil, cerr
	}

	c.mu.Lock()
	e.state = stateReady
	e.module = module
	c.mu.Unlock()

	// Exactly one compiled notification per identity per artifact: only
	// the winning attempt reaches this point, and a Ready entry is never
	// recompiled.
	c.notifier.ModuleCompiled(digest, desc.Name())
	c.logger.Debug("kernel module ready",
		"kernel", desc.Name(),
		"digest", digest.Short(),
		"module", module.ID(),
	)

	close(e.done)
	return module, nil
}

// Len returns the number of settled-or-pending entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close rejects all future Resolve calls, then waits for every in-flight
// compilation to settle before returning. Lifecycle teardown must run only
// after Close returns, so no unload can race an in-progress compile and no
// device resource outlives the artifact.
//
// Idempotent and safe to call concurrently with Resolve.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.inflight.Wait()
}
