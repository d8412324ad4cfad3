package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

func compileN(t *testing.T, sim *toolchain.Sim, n int) []toolchain.Module {
	t.Helper()
	mods := make([]toolchain.Module, n)
	for i := range mods {
		m, err := sim.Compile(context.Background(), []byte(fmt.Sprintf("op: fill\nvalue: %d", i)))
		require.NoError(t, err)
		mods[i] = m
	}
	return mods
}

func TestManager_TeardownUnloadsEveryModuleOnce(t *testing.T) {
	sim := toolchain.NewSim()
	rec := events.NewRecorder()
	mgr := NewManager(sim, rec)

	mods := compileN(t, sim, 3)
	for i, m := range mods {
		require.NoError(t, mgr.Register(m, fmt.Sprintf("k%d", i)))
	}
	require.Equal(t, 3, mgr.Count())

	require.NoError(t, mgr.Teardown())
	assert.Equal(t, 0, sim.LoadedCount())
	assert.Equal(t, 3, rec.UnloadedCount())
}

func TestManager_TeardownIsIdempotent(t *testing.T) {
	sim := toolchain.NewSim()
	rec := events.NewRecorder()
	mgr := NewManager(sim, rec)

	mods := compileN(t, sim, 1)
	require.NoError(t, mgr.Register(mods[0], "k"))

	require.NoError(t, mgr.Teardown())
	// A second call must be a no-op, not a double-unload (which the sim
	// would report as an error).
	require.NoError(t, mgr.Teardown())
	assert.Equal(t, 1, rec.UnloadedCount())
}

func TestManager_RegisterAfterTeardownFails(t *testing.T) {
	sim := toolchain.NewSim()
	mgr := NewManager(sim, events.Nop{})

	require.NoError(t, mgr.Teardown())

	mods := compileN(t, sim, 1)
	err := mgr.Register(mods[0], "late")
	assert.ErrorIs(t, err, ErrTornDown)
}

// unloader that fails for one specific module.
type flakyUnloader struct {
	inner  Unloader
	failID string
}

func (f *flakyUnloader) Unload(m toolchain.Module) error {
	if m.ID() == f.failID {
		return errors.New("device busy")
	}
	return f.inner.Unload(m)
}

func TestManager_TeardownIsBestEffort(t *testing.T) {
	sim := toolchain.NewSim()
	rec := events.NewRecorder()

	mods := compileN(t, sim, 3)
	mgr := NewManager(&flakyUnloader{inner: sim, failID: mods[1].ID()}, rec)
	for i, m := range mods {
		require.NoError(t, mgr.Register(m, fmt.Sprintf("k%d", i)))
	}

	err := mgr.Teardown()
	require.Error(t, err)

	var le *LifecycleError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, mods[1].ID(), le.Module)
	assert.Equal(t, "k1", le.Kernel)

	// The other two modules were still unloaded and notified.
	assert.Equal(t, 2, rec.UnloadedCount())
	assert.Equal(t, 1, sim.LoadedCount(), "only the failing module remains loaded")
}
