package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-gpu/kiln/internal/assemble"
	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/kcache"
	"github.com/kiln-gpu/kiln/internal/lifecycle"
	"github.com/kiln-gpu/kiln/internal/plan"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

type fixture struct {
	sim        *toolchain.Sim
	recorder   *events.Recorder
	cache      *kcache.Cache
	dispatcher *Dispatcher
}

func newFixture() *fixture {
	sim := toolchain.NewSim()
	rec := events.NewRecorder()
	cache := kcache.New(sim, lifecycle.NewManager(sim, rec), rec)
	return &fixture{
		sim:        sim,
		recorder:   rec,
		cache:      cache,
		dispatcher: New(cache, sim),
	}
}

func call(name, body string, in, out []plan.BufferID) plan.Record {
	return plan.Record{
		Kind:       plan.KindCustomCall,
		Inputs:     in,
		Outputs:    out,
		Descriptor: plan.NewKernelDescriptor(name, []byte(body)),
	}
}

func intBuf(vals ...int32) []byte {
	buf := make([]byte, len(vals)*4)
	toolchain.EncodeInt32s(buf, vals)
	return buf
}

// chainPlan: fill b0 with 7, then four +1 steps through b1..b4.
func chainPlan(t *testing.T) plan.Plan {
	t.Helper()
	recs := []plan.Record{
		call("fill7", "op: fill\nvalue: 7", nil, []plan.BufferID{"b0"}),
	}
	for i := 0; i < 4; i++ {
		recs = append(recs, call(
			fmt.Sprintf("inc%d", i),
			fmt.Sprintf("op: add\nvalue: 1\n# step %d", i),
			[]plan.BufferID{plan.BufferID(fmt.Sprintf("b%d", i))},
			[]plan.BufferID{plan.BufferID(fmt.Sprintf("b%d", i+1))},
		))
	}
	return plan.MustNew(recs...)
}

func chainBuffers() plan.Buffers {
	bufs := plan.Buffers{}
	for i := 0; i <= 4; i++ {
		bufs[plan.BufferID(fmt.Sprintf("b%d", i))] = intBuf(0, 0)
	}
	return bufs
}

func TestDispatcher_CustomCall(t *testing.T) {
	f := newFixture()
	bufs := plan.Buffers{"b0": intBuf(0, 0, 0)}
	p := plan.MustNew(call("fill7", "op: fill\nvalue: 7", nil, []plan.BufferID{"b0"}))

	require.NoError(t, f.dispatcher.ExecutePlan(context.Background(), p, bufs))
	assert.Equal(t, []int32{7, 7, 7}, toolchain.DecodeInt32s(bufs["b0"]))
	assert.Equal(t, 1, f.sim.InvokeCount())
	assert.Equal(t, 0, f.sim.SubmitCount())
}

func TestDispatcher_SameCallTwiceCompilesOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := call("fill7", "op: fill\nvalue: 7", nil, []plan.BufferID{"b0"})
	p := plan.MustNew(rec)
	bufs := plan.Buffers{"b0": intBuf(0)}

	require.NoError(t, f.dispatcher.ExecutePlan(ctx, p, bufs))
	require.NoError(t, f.dispatcher.ExecutePlan(ctx, p, bufs))

	assert.Equal(t, 1, f.sim.CompileCount())
	assert.Equal(t, 1, f.recorder.CompiledCount(""))
	assert.Equal(t, 2, f.sim.InvokeCount())
}

func TestDispatcher_CommandBufferIsOneSubmission(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	batched, err := assemble.Assemble(chainPlan(t))
	require.NoError(t, err)
	require.Equal(t, 1, batched.Len())
	require.Equal(t, plan.KindCommandBuffer, batched.Records()[0].Kind)

	bufs := chainBuffers()
	require.NoError(t, f.dispatcher.ExecutePlan(ctx, batched, bufs))

	assert.Equal(t, []int32{11, 11}, toolchain.DecodeInt32s(bufs["b4"]))
	assert.Equal(t, 1, f.sim.SubmitCount(), "the whole capture is one submission")
	assert.Equal(t, 0, f.sim.InvokeCount())
	assert.Equal(t, 5, f.sim.CompileCount())
}

func TestDispatcher_BatchedEqualsUnbatched(t *testing.T) {
	ctx := context.Background()
	p := chainPlan(t)

	unbatchedFix := newFixture()
	unbatched := chainBuffers()
	require.NoError(t, unbatchedFix.dispatcher.ExecutePlan(ctx, p, unbatched))

	batchedFix := newFixture()
	rewritten, err := assemble.Assemble(p)
	require.NoError(t, err)
	batched := chainBuffers()
	require.NoError(t, batchedFix.dispatcher.ExecutePlan(ctx, rewritten, batched))

	for id, want := range unbatched {
		assert.Equal(t, want, batched[id], "buffer %s differs between batched and unbatched execution", id)
	}
}

func TestDispatcher_DeviceCopyAndHostCallback(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var observed []int32
	p := plan.MustNew(
		call("fill3", "op: fill\nvalue: 3", nil, []plan.BufferID{"b0"}),
		plan.Record{Kind: plan.KindDeviceCopy, Inputs: []plan.BufferID{"b0"}, Outputs: []plan.BufferID{"b1"}},
		plan.Record{
			Kind:   plan.KindHostCallback,
			Inputs: []plan.BufferID{"b1"},
			Callback: func(bufs plan.Buffers) error {
				observed = toolchain.DecodeInt32s(bufs["b1"])
				return nil
			},
		},
	)

	bufs := plan.Buffers{"b0": intBuf(0, 0), "b1": intBuf(0, 0)}
	require.NoError(t, f.dispatcher.ExecutePlan(ctx, p, bufs))
	assert.Equal(t, []int32{3, 3}, observed)
}

func TestDispatcher_InvocationErrorIsScopedToTheCall(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := plan.MustNew(call("fill1", "op: fill\nvalue: 1", nil, []plan.BufferID{"b0"}))
	bufs := plan.Buffers{"b0": intBuf(0)}

	// Compile succeeds; the first launch faults.
	boom := errors.New("device fault")
	launches := 0
	f.sim.InvokeHook = func(toolchain.Module) error {
		launches++
		if launches == 1 {
			return boom
		}
		return nil
	}

	err := f.dispatcher.ExecutePlan(ctx, p, bufs)
	require.Error(t, err)
	var ie *InvocationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "fill1", ie.Kernel)
	assert.ErrorIs(t, err, boom)

	// The cache entry stays valid: the module is reused, not recompiled.
	require.NoError(t, f.dispatcher.ExecutePlan(ctx, p, bufs))
	assert.Equal(t, 1, f.sim.CompileCount())
	assert.Equal(t, []int32{1}, toolchain.DecodeInt32s(bufs["b0"]))
}

func TestDispatcher_UnboundBufferFails(t *testing.T) {
	f := newFixture()
	p := plan.MustNew(call("fill1", "op: fill\nvalue: 1", nil, []plan.BufferID{"missing"}))

	err := f.dispatcher.ExecutePlan(context.Background(), p, plan.Buffers{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer missing is not bound")
}

func TestDispatcher_CommandBufferCompileFailureSurfaces(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	boom := errors.New("ptxas rejected kernel")
	f.sim.CompileHook = func([]byte) error { return boom }

	batched, err := assemble.Assemble(chainPlan(t))
	require.NoError(t, err)

	err = f.dispatcher.ExecutePlan(ctx, batched, chainBuffers())
	require.Error(t, err)
	var ce *kcache.CompileError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, f.sim.SubmitCount(), "nothing is submitted when a capture fails to compile")
}
