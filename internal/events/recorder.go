package events

import (
	"sync"

	"github.com/kiln-gpu/kiln/internal/plan"
)

// NotificationKind distinguishes recorded notification entries.
type NotificationKind string

const (
	KindCompiled NotificationKind = "compiled"
	KindUnloaded NotificationKind = "unloaded"
)

// Notification is one recorded entry of the observable stream.
type Notification struct {
	Seq    int64
	Kind   NotificationKind
	Kernel string
	Digest string // digest hex, compiled notifications only
}

// Recorder captures notifications in memory, stamped with a logical clock.
// Used by tests and the conformance harness to assert exactly-once
// properties without scraping log output.
//
// Thread-safety: safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	clock   *Clock
	entries []Notification
}

// NewRecorder creates an empty recorder with its own clock.
func NewRecorder() *Recorder {
	return &Recorder{clock: NewClock()}
}

func (r *Recorder) ModuleCompiled(digest plan.Digest, kernel string) {
	r.append(Notification{
		Kind:   KindCompiled,
		Kernel: kernel,
		Digest: digest.String(),
	})
}

func (r *Recorder) ModuleUnloaded(kernel string) {
	r.append(Notification{
		Kind:   KindUnloaded,
		Kernel: kernel,
	})
}

func (r *Recorder) append(n Notification) {
	n.Seq = r.clock.Next()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, n)
}

// Notifications returns a copy of all recorded entries in emission order.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.entries))
	copy(out, r.entries)
	return out
}

// CompiledCount returns how many compiled notifications were recorded for
// the given digest hex. An empty digest counts every compiled notification.
func (r *Recorder) CompiledCount(digest string) int {
	return r.count(KindCompiled, digest)
}

// UnloadedCount returns how many unloaded notifications were recorded.
func (r *Recorder) UnloadedCount() int {
	return r.count(KindUnloaded, "")
}

func (r *Recorder) count(kind NotificationKind, digest string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Kind == kind && (digest == "" || e.Digest == digest) {
			n++
		}
	}
	return n
}
