package kcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/lifecycle"
	"github.com/kiln-gpu/kiln/internal/plan"
	"github.com/kiln-gpu/kiln/internal/testutil"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

type fixture struct {
	sim      *toolchain.Sim
	recorder *events.Recorder
	registry *lifecycle.Manager
	cache    *Cache
}

func newFixture() *fixture {
	sim := toolchain.NewSim()
	rec := events.NewRecorder()
	reg := lifecycle.NewManager(sim, rec)
	return &fixture{
		sim:      sim,
		recorder: rec,
		registry: reg,
		cache:    New(sim, reg, rec),
	}
}

func desc(name, body string) *plan.KernelDescriptor {
	return plan.NewKernelDescriptor(name, []byte(body))
}

func TestCache_CompilesOncePerIdentity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := desc("fill", "op: fill\nvalue: 7")

	m1, err := f.cache.Resolve(ctx, d)
	require.NoError(t, err)
	m2, err := f.cache.Resolve(ctx, d)
	require.NoError(t, err)

	assert.Same(t, m1, m2, "both calls must observe the same module")
	assert.Equal(t, 1, f.sim.CompileCount())
	assert.Equal(t, 1, f.recorder.CompiledCount(d.Digest().String()))
	assert.Equal(t, 1, f.registry.Count())
}

func TestCache_EqualDigestsShareOneEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Different descriptor names, identical bodies: one identity.
	m1, err := f.cache.Resolve(ctx, desc("a", "op: copy"))
	require.NoError(t, err)
	m2, err := f.cache.Resolve(ctx, desc("b", "op: copy"))
	require.NoError(t, err)

	assert.Same(t, m1, m2)
	assert.Equal(t, 1, f.sim.CompileCount())
	assert.Equal(t, 1, f.cache.Len())
}

func TestCache_ConcurrentFirstResolveIsSingleFlight(t *testing.T) {
	sim := toolchain.NewSim()
	gate := testutil.NewCompileGate(sim)
	rec := events.NewRecorder()
	reg := lifecycle.NewManager(sim, rec)
	cache := New(gate, reg, rec)

	d := desc("fill", "op: fill\nvalue: 1")
	ctx := context.Background()

	const streams = 8
	results := make(chan toolchain.Module, streams)
	errs := make(chan error, streams)

	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := cache.Resolve(ctx, d)
			results <- m
			errs <- err
		}()
	}

	// Exactly one resolver reaches the toolchain.
	<-gate.Entered()
	select {
	case <-gate.Entered():
		t.Fatal("a second compilation reached the toolchain")
	case <-time.After(20 * time.Millisecond):
	}

	gate.Release()
	wg.Wait()
	close(results)
	close(errs)

	var first toolchain.Module
	for m := range results {
		require.NotNil(t, m)
		if first == nil {
			first = m
		}
		assert.Same(t, first, m, "all streams must observe the same module")
	}
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, sim.CompileCount())
	assert.Equal(t, 1, rec.CompiledCount(d.Digest().String()))
}

func TestCache_DistinctIdentitiesCompileIndependently(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.cache.Resolve(ctx, desc("a", "op: fill\nvalue: 1"))
	require.NoError(t, err)
	_, err = f.cache.Resolve(ctx, desc("b", "op: fill\nvalue: 2"))
	require.NoError(t, err)

	assert.Equal(t, 2, f.sim.CompileCount())
	assert.Equal(t, 2, f.recorder.CompiledCount(""))
	assert.Equal(t, 2, f.registry.Count())
}

func TestCache_FailurePropagatesToAllWaiters(t *testing.T) {
	sim := toolchain.NewSim()
	gate := testutil.NewCompileGate(sim)
	rec := events.NewRecorder()
	reg := lifecycle.NewManager(sim, rec)
	cache := New(gate, reg, rec)

	boom := errors.New("out of device memory")
	sim.CompileHook = func([]byte) error { return boom }

	d := desc("bad", "op: fill")
	ctx := context.Background()

	const streams = 4
	errs := make(chan error, streams)
	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Resolve(ctx, d)
			errs <- err
		}()
	}

	<-gate.Entered()
	gate.Release()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.Error(t, err)
		var ce *CompileError
		require.ErrorAs(t, err, &ce)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, d.Digest(), ce.Digest)
	}

	assert.Equal(t, 0, rec.CompiledCount(""))
	assert.Equal(t, 0, reg.Count())
}

func TestCache_FailedEntryIsRetryable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := desc("flaky", "op: fill\nvalue: 3")

	boom := errors.New("transient device fault")
	f.sim.CompileHook = func([]byte) error { return boom }

	_, err := f.cache.Resolve(ctx, d)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, f.cache.Len(), "failed entry must be dropped")

	// The fault clears; the next resolve retries and succeeds.
	f.sim.CompileHook = nil
	m, err := f.cache.Resolve(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, f.sim.CompileCount())
	assert.Equal(t, 1, f.recorder.CompiledCount(d.Digest().String()))
}

func TestCache_ResolveAfterCloseFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := desc("fill", "op: fill\nvalue: 7")

	_, err := f.cache.Resolve(ctx, d)
	require.NoError(t, err)

	f.cache.Close()

	// Even an already-ready identity must not be served from stale state.
	_, err = f.cache.Resolve(ctx, d)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCache_CloseWaitsForInflightCompile(t *testing.T) {
	sim := toolchain.NewSim()
	gate := testutil.NewCompileGate(sim)
	rec := events.NewRecorder()
	reg := lifecycle.NewManager(sim, rec)
	cache := New(gate, reg, rec)

	d := desc("slow", "op: fill\nvalue: 9")
	ctx := context.Background()

	resolved := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctx, d)
		resolved <- err
	}()
	<-gate.Entered()

	closed := make(chan struct{})
	go func() {
		cache.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a compilation was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	gate.Release()
	<-closed
	require.NoError(t, <-resolved)

	// The settled module is owned by the lifecycle manager: teardown after
	// Close unloads it, leaving nothing dangling.
	require.NoError(t, reg.Teardown())
	assert.Equal(t, 0, sim.LoadedCount())
	assert.Equal(t, 1, rec.UnloadedCount())
}

func TestCache_WaiterContextCancellation(t *testing.T) {
	sim := toolchain.NewSim()
	gate := testutil.NewCompileGate(sim)
	rec := events.NewRecorder()
	cache := New(gate, lifecycle.NewManager(sim, rec), rec)

	d := desc("slow", "op: fill\nvalue: 1")

	owner := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(context.Background(), d)
		owner <- err
	}()
	<-gate.Entered()

	// A waiter with a cancelled context abandons the wait; the owned
	// compilation is unaffected.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Resolve(ctx, d)
	assert.ErrorIs(t, err, context.Canceled)

	gate.Release()
	require.NoError(t, <-owner)
	assert.Equal(t, 1, sim.CompileCount())
}
