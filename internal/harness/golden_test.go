package harness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/coreflux/internal/model"
)

func TestRunWithGoldenMatchesFixture(t *testing.T) {
	scenario := &Scenario{
		Name:  "golden-counter",
		Setup: []string{`CREATE TABLE counters (name TEXT PRIMARY KEY, n INTEGER NOT NULL)`},
		Flow: []FlowStep{
			{Dispatch: "ADD"},
			{Dispatch: "ADD"},
		},
	}

	result, err := Run(t, []model.Model{counterModel()}, scenario)
	require.NoError(t, err)
	require.True(t, result.Passed())

	AssertGolden(t, "golden-counter", result)
}
