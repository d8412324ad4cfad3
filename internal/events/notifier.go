// Package events carries the engine's observable notification stream.
//
// The engine emits exactly two notification kinds: "module compiled" (once
// per kernel identity per artifact) and "module unloaded" (once per
// registered module at teardown). Telemetry transports and tests consume
// them through the Notifier interface; the engine itself never depends on
// where they go.
package events

import (
	"log/slog"

	"github.com/kiln-gpu/kiln/internal/plan"
)

// Notifier consumes the engine's observable notifications.
//
// Implementations must tolerate concurrent calls: compiled notifications
// can arrive from multiple execution streams at once.
type Notifier interface {
	// ModuleCompiled is emitted exactly once per kernel identity per
	// artifact, immediately after the module is registered for unload.
	ModuleCompiled(digest plan.Digest, kernel string)

	// ModuleUnloaded is emitted exactly once per registered module,
	// during artifact teardown.
	ModuleUnloaded(kernel string)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) ModuleCompiled(plan.Digest, string) {}
func (Nop) ModuleUnloaded(string)              {}

// Log emits notifications as structured log records.
type Log struct {
	Logger *slog.Logger
}

// NewLog creates a Log notifier. A nil logger falls back to slog.Default.
func NewLog(logger *slog.Logger) *Log {
	return &Log{Logger: logger}
}

func (l *Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Log) ModuleCompiled(digest plan.Digest, kernel string) {
	l.logger().Info("compiled and initialized kernel module",
		"kernel", kernel,
		"digest", digest.Short(),
	)
}

func (l *Log) ModuleUnloaded(kernel string) {
	l.logger().Info("unloaded kernel module",
		"kernel", kernel,
	)
}

// Multi fans one notification stream out to several notifiers.
func Multi(notifiers ...Notifier) Notifier {
	return multi(notifiers)
}

type multi []Notifier

func (m multi) ModuleCompiled(digest plan.Digest, kernel string) {
	for _, n := range m {
		n.ModuleCompiled(digest, kernel)
	}
}

func (m multi) ModuleUnloaded(kernel string) {
	for _, n := range m {
		n.ModuleUnloaded(kernel)
	}
}
