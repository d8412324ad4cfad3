// Package artifact owns the runnable unit of the engine: one loaded
// program instance with its own compilation cache, lifecycle manager, and
// device toolchain handle.
//
// Nothing here is process-global. Two artifacts loaded from identical
// kernel bytes still compile, own, and unload their modules independently.
package artifact

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kiln-gpu/kiln/internal/assemble"
	"github.com/kiln-gpu/kiln/internal/dispatch"
	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/kcache"
	"github.com/kiln-gpu/kiln/internal/lifecycle"
	"github.com/kiln-gpu/kiln/internal/plan"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

// ErrClosed is returned by Execute after the artifact has been closed.
var ErrClosed = errors.New("artifact: artifact is closed")

type config struct {
	notifier     events.Notifier
	minRunLength int
}

// Option configures artifact loading.
type Option func(*config)

// WithNotifier routes the artifact's compiled/unloaded notifications to n.
// Defaults to structured log output.
func WithNotifier(n events.Notifier) Option {
	return func(c *config) {
		c.notifier = n
	}
}

// WithMinRunLength overrides the command-buffer batching threshold used
// when the plan is assembled at load time.
func WithMinRunLength(n int) Option {
	return func(c *config) {
		c.minRunLength = n
	}
}

// Artifact is one loaded, runnable program instance.
//
// The artifact exclusively owns its cache, its registered modules, and its
// toolchain handle. Close tears all of it down exactly once: the cache
// drains in-flight compilations first, then every registered module is
// unloaded, so no device resource outlives the artifact.
type Artifact struct {
	id         string
	plan       plan.Plan
	cache      *kcache.Cache
	registry   *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Load assembles the plan (rewriting eligible runs into command buffers,
// once, ahead of execution) and builds the artifact's owned state.
func Load(p plan.Plan, tc toolchain.Toolchain, opts ...Option) (*Artifact, error) {
	cfg := config{
		notifier:     events.NewLog(nil),
		minRunLength: assemble.DefaultMinRunLength,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	assembled, err := assemble.Assemble(p, assemble.WithMinRunLength(cfg.minRunLength))
	if err != nil {
		return nil, err
	}

	registry := lifecycle.NewManager(tc, cfg.notifier)
	cache := kcache.New(tc, registry, cfg.notifier)

	a := &Artifact{
		id:         uuid.Must(uuid.NewV7()).String(),
		plan:       assembled,
		cache:      cache,
		registry:   registry,
		dispatcher: dispatch.New(cache, tc),
		logger:     slog.Default(),
		closed:     make(chan struct{}),
	}

	a.logger.Debug("artifact loaded",
		"artifact", a.id,
		"records", assembled.Len(),
	)
	return a, nil
}

// ID returns the artifact's unique identity (UUIDv7, time-sortable).
func (a *Artifact) ID() string { return a.id }

// Plan returns the assembled execution plan.
func (a *Artifact) Plan() plan.Plan { return a.plan }

// Execute runs the assembled plan in order against the bound buffers.
// Buffers are borrowed for the call's duration only.
//
// Multiple streams may call Execute concurrently with disjoint buffer
// sets; first-use compilation is deduplicated by the cache.
func (a *Artifact) Execute(ctx context.Context, bufs plan.Buffers) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	return a.dispatcher.ExecutePlan(ctx, a.plan, bufs)
}

// Close tears the artifact down exactly once. The compilation cache stops
// accepting resolves and drains in-flight compilations; the lifecycle
// manager then unloads every registered module, best-effort. Later calls
// return the first call's result.
func (a *Artifact) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.cache.Close()
		a.closeErr = a.registry.Teardown()
		a.logger.Debug("artifact closed", "artifact", a.id)
	})
	return a.closeErr
}
