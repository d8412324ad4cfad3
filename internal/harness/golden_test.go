package harness

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGolden_ChainedAdds(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/chained_adds.yaml")
	require.NoError(t, err)

	require.NoError(t, RunWithGolden(t, s))
}
