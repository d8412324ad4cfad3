// Package assemble implements the command-buffer rewrite over execution
// plans: maximal runs of capture-eligible records at or above a minimum
// length are replaced by a single command-buffer record that replays them
// as one device submission.
//
// The transform is pure and deterministic. It never reorders records,
// never changes buffer bindings, and never changes the observable effect
// of any record; only submission granularity changes.
package assemble

import (
	"fmt"

	"github.com/kiln-gpu/kiln/internal/plan"
)

// DefaultMinRunLength is the minimum eligible-run length that gets batched
// into one command buffer. Shorter runs are not worth the capture overhead.
const DefaultMinRunLength = 5

type config struct {
	minRunLength int
}

// Option configures the assembler.
type Option func(*config)

// WithMinRunLength overrides the batching threshold. Runs of eligible
// records shorter than n are left as individual records.
func WithMinRunLength(n int) Option {
	return func(c *config) {
		c.minRunLength = n
	}
}

// Assemble rewrites the plan, batching each maximal run of consecutive
// capture-eligible records of length >= the threshold into one
// command-buffer record. Captured records keep their pre-capture ordinals;
// top-level ordinals are renumbered to the rewritten positions.
//
// Identical input always yields identical output. The input plan is not
// modified.
func Assemble(p plan.Plan, opts ...Option) (plan.Plan, error) {
	cfg := config{minRunLength: DefaultMinRunLength}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.minRunLength < 1 {
		return plan.Plan{}, fmt.Errorf("assemble: min run length must be >= 1, got %d", cfg.minRunLength)
	}

	var out []plan.Record
	var run []plan.Record

	flush := func() {
		if len(run) == 0 {
			return
		}
		if len(run) >= cfg.minRunLength {
			captured := make([]plan.Record, len(run))
			copy(captured, run)
			out = append(out, plan.Record{
				Kind:     plan.KindCommandBuffer,
				Captured: captured,
			})
		} else {
			out = append(out, run...)
		}
		run = nil
	}

	for _, r := range p.Records() {
		if r.Kind.CaptureEligible() {
			run = append(run, r)
			continue
		}
		flush()
		out = append(out, r)
	}
	flush()

	rewritten, err := plan.New(out...)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("assemble: %w", err)
	}
	return rewritten, nil
}
