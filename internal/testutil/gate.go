// Package testutil provides deterministic test doubles for the engine's
// concurrency tests.
package testutil

import (
	"context"
	"sync"

	"github.com/kiln-gpu/kiln/internal/toolchain"
)

// CompileGate wraps a toolchain and holds every compilation at a gate until
// the test releases it. This makes single-flight and teardown-drain tests
// deterministic: the test can park several resolvers mid-compile, observe
// the world, then let the compilations proceed.
type CompileGate struct {
	inner toolchain.Toolchain

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// NewCompileGate wraps inner with a closed gate.
func NewCompileGate(inner toolchain.Toolchain) *CompileGate {
	return &CompileGate{
		inner:   inner,
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

// Entered yields one value per compilation that has reached the gate.
func (g *CompileGate) Entered() <-chan struct{} {
	return g.entered
}

// Release opens the gate for all current and future compilations.
// Safe to call more than once.
func (g *CompileGate) Release() {
	g.once.Do(func() { close(g.release) })
}

func (g *CompileGate) Compile(ctx context.Context, body []byte) (toolchain.Module, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Compile(ctx, body)
}

func (g *CompileGate) Invoke(ctx context.Context, m toolchain.Module, inputs, outputs [][]byte) error {
	return g.inner.Invoke(ctx, m, inputs, outputs)
}

func (g *CompileGate) Submit(ctx context.Context, launches []toolchain.Launch) error {
	return g.inner.Submit(ctx, launches)
}

func (g *CompileGate) Unload(m toolchain.Module) error {
	return g.inner.Unload(m)
}
