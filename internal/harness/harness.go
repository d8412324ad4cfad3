package harness

import (
	"context"
	"fmt"
	"math"

	"github.com/kiln-gpu/kiln/internal/artifact"
	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

// Result holds everything a scenario run produced: both plan renderings,
// the final buffer state of the batched run, and the recorded notification
// stream.
type Result struct {
	ScenarioName string

	// PlanBefore is the rendered plan as the scenario declares it.
	PlanBefore string

	// PlanAfter is the rendered plan after command-buffer assembly.
	PlanAfter string

	// Buffers holds the final element values of the batched run.
	Buffers map[string][]int32

	// Notifications is the batched run's recorded stream, in emission order.
	Notifications []events.Notification

	// Compilations and Submissions are the batched run's toolchain counters.
	Compilations int
	Submissions  int
}

// Run executes the scenario twice and cross-checks the outcomes.
//
// The unbatched run dispatches every record individually; the batched run
// goes through the assembler at the scenario's threshold. Any divergence in
// final buffer contents is an engine bug and fails the run. The scenario's
// expect clause is then checked against the batched result.
func Run(scenario *Scenario) (*Result, error) {
	p, err := scenario.Plan()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	unbatched, err := runOnce(scenario, math.MaxInt, nil)
	if err != nil {
		return nil, fmt.Errorf("scenario %s (unbatched): %w", scenario.Name, err)
	}

	recorder := events.NewRecorder()
	batched, err := runOnce(scenario, scenario.MinRunLength, recorder)
	if err != nil {
		return nil, fmt.Errorf("scenario %s (batched): %w", scenario.Name, err)
	}

	for name, want := range unbatched.values {
		got := batched.values[name]
		if !equalInt32s(want, got) {
			return nil, fmt.Errorf("scenario %s: buffer %s diverges between batched and unbatched execution: %v != %v",
				scenario.Name, name, got, want)
		}
	}

	for name, want := range scenario.Expect {
		got := batched.values[name]
		if !equalInt32s(want, got) {
			return nil, fmt.Errorf("scenario %s: buffer %s = %v, expected %v",
				scenario.Name, name, got, want)
		}
	}

	return &Result{
		ScenarioName:  scenario.Name,
		PlanBefore:    p.Render(),
		PlanAfter:     batched.rendered,
		Buffers:       batched.values,
		Notifications: recorder.Notifications(),
		Compilations:  batched.sim.CompileCount(),
		Submissions:   batched.sim.SubmitCount(),
	}, nil
}

type runOutcome struct {
	sim      *toolchain.Sim
	rendered string
	values   map[string][]int32
}

// runOnce loads the scenario into a fresh artifact and executes it.
// A zero minRunLength keeps the engine default.
func runOnce(scenario *Scenario, minRunLength int, recorder *events.Recorder) (*runOutcome, error) {
	p, err := scenario.Plan()
	if err != nil {
		return nil, err
	}

	sim := toolchain.NewSim()
	opts := []artifact.Option{}
	if minRunLength > 0 {
		opts = append(opts, artifact.WithMinRunLength(minRunLength))
	}
	if recorder != nil {
		opts = append(opts, artifact.WithNotifier(recorder))
	} else {
		opts = append(opts, artifact.WithNotifier(events.Nop{}))
	}

	a, err := artifact.Load(p, sim, opts...)
	if err != nil {
		return nil, err
	}

	bufs := scenario.AllocateBuffers()
	execErr := a.Execute(context.Background(), bufs)
	if closeErr := a.Close(); execErr == nil {
		execErr = closeErr
	}
	if execErr != nil {
		return nil, execErr
	}

	values := make(map[string][]int32, len(bufs))
	for id, b := range bufs {
		values[string(id)] = toolchain.DecodeInt32s(b)
	}
	return &runOutcome{sim: sim, rendered: a.Plan().Render(), values: values}, nil
}

func equalInt32s(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
