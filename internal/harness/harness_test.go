package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-gpu/kiln/internal/events"
)

func TestRun_ChainedAddsBatchIntoOneSubmission(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/chained_adds.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Submissions, "five eligible records become one submission")
	assert.Equal(t, 5, result.Compilations)
	assert.True(t, strings.HasPrefix(result.PlanAfter, "000: kCommandBuffer[5]"))
	assert.Equal(t, []int32{11, 12}, result.Buffers["b5"])
}

func TestRun_ShortRunKeepsPlanShape(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/short_run_with_copy.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)

	assert.NotContains(t, result.PlanAfter, "kCommandBuffer",
		"three records stay below the threshold")
	assert.Equal(t, result.PlanBefore, result.PlanAfter)
	assert.Equal(t, []int32{21, 21, 21}, result.Buffers["b2"])
}

func TestRun_NotificationStreamIsExactlyOnce(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/chained_adds.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)

	compiled := 0
	unloaded := 0
	seen := map[string]bool{}
	for _, n := range result.Notifications {
		switch n.Kind {
		case events.KindCompiled:
			compiled++
			assert.False(t, seen[n.Digest], "kernel %s compiled twice", n.Kernel)
			seen[n.Digest] = true
		case events.KindUnloaded:
			unloaded++
		}
	}
	assert.Equal(t, 5, compiled)
	assert.Equal(t, 5, unloaded)
}

func TestRun_ThresholdOverride(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/short_run_with_copy.yaml")
	require.NoError(t, err)
	s.MinRunLength = 2

	result, err := Run(s)
	require.NoError(t, err)

	assert.Contains(t, result.PlanAfter, "kCommandBuffer[3]",
		"a lowered threshold captures the short run")
	assert.Equal(t, []int32{21, 21, 21}, result.Buffers["b2"],
		"results are unchanged by capture")
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/chained_adds.yaml")
	require.NoError(t, err)
	s.Expect["b5"] = []int32{999, 999}

	_, err = Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer b5")
}
