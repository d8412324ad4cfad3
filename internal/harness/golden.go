package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/kiln-gpu/kiln/internal/plan"
)

// TraceSnapshot captures the deterministic slice of a scenario run: the
// plan before and after assembly, and the final buffer state. Serialized
// with canonical JSON so golden comparisons are byte-stable.
type TraceSnapshot struct {
	ScenarioName string
	PlanBefore   string
	PlanAfter    string
	Buffers      map[string][]int32
}

// toCanonicalMap converts the snapshot into the map form canonical JSON
// accepts (int32 has no canonical encoding of its own).
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	buffers := make(map[string]any, len(s.Buffers))
	for name, vals := range s.Buffers {
		elems := make([]any, len(vals))
		for i, v := range vals {
			elems[i] = int(v)
		}
		buffers[name] = elems
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"plan_before":   s.PlanBefore,
		"plan_after":    s.PlanAfter,
		"buffers":       buffers,
	}
}

// RunWithGolden executes a scenario and compares the snapshot against a
// golden file at testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already-obtained result against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		PlanBefore:   result.PlanBefore,
		PlanAfter:    result.PlanAfter,
		Buffers:      result.Buffers,
	}

	data, err := plan.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
