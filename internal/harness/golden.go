package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// AssertGolden compares result's trace against testdata/golden/<name>.golden.
// Run tests with -update to regenerate golden files after an intentional
// change to a scenario's expected trace.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	// encoding/json sorts map keys, so the trace serializes identically
	// across runs for the same scenario.
	b, err := json.MarshalIndent(result.Trace, "", "  ")
	if err != nil {
		t.Fatalf("marshal trace: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, b)
}
