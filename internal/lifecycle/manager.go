// Package lifecycle tracks every device module an artifact has caused to be
// compiled and releases them, exactly once each, when the artifact is
// discarded.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

// Unloader is the slice of the toolchain surface teardown needs.
type Unloader interface {
	Unload(m toolchain.Module) error
}

// LifecycleError reports a single module that failed to unload during
// teardown. Teardown is best-effort: one failure never aborts the rest.
type LifecycleError struct {
	Module string // toolchain module ID
	Kernel string // kernel name the module was registered under
	Err    error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("unload module %s (kernel %s): %v", e.Module, e.Kernel, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// ErrTornDown is returned by Register after teardown has run. A module
// compiled that late has no owner left to release it, so registration is
// refused before the leak can happen.
var ErrTornDown = errors.New("lifecycle: manager is torn down")

type registration struct {
	module toolchain.Module
	kernel string
}

// Manager owns the unload obligation for one artifact's modules.
//
// Register is called by the compilation cache, exactly once per successful
// compilation. Teardown unloads everything registered; it is idempotent, so
// an accidental second call is a no-op rather than a double-unload.
//
// Thread-safety: safe for concurrent use.
type Manager struct {
	unloader Unloader
	notifier events.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	modules  []registration
	tornDown bool
}

// NewManager creates a manager unloading through the given toolchain
// surface and emitting unloaded notifications through the notifier.
func NewManager(u Unloader, n events.Notifier) *Manager {
	if n == nil {
		n = events.Nop{}
	}
	return &Manager{
		unloader: u,
		notifier: n,
		logger:   slog.Default(),
	}
}

// Register records a module for unload at teardown.
func (m *Manager) Register(module toolchain.Module, kernel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tornDown {
		return ErrTornDown
	}
	m.modules = append(m.modules, registration{module: module, kernel: kernel})
	return nil
}

// Count returns how many modules are currently registered.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.modules)
}

// Teardown unloads every registered module, emitting one unloaded
// notification per module that unloads cleanly. Failures are collected as
// LifecycleErrors and joined; the remaining unloads still run.
//
// Idempotent: the second and later calls return nil without touching any
// module. Unload order across modules is unspecified.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return nil
	}
	m.tornDown = true
	regs := m.modules
	m.modules = nil
	m.mu.Unlock()

	var failures []error
	for _, reg := range regs {
		if err := m.unloader.Unload(reg.module); err != nil {
			m.logger.Error("module unload failed",
				"module", reg.module.ID(),
				"kernel", reg.kernel,
				"error", err,
			)
			failures = append(failures, &LifecycleError{
				Module: reg.module.ID(),
				Kernel: reg.kernel,
				Err:    err,
			})
			continue
		}
		m.notifier.ModuleUnloaded(reg.kernel)
	}

	return errors.Join(failures...)
}
