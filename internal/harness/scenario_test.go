package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScenarioFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenarioParsesValidFile(t *testing.T) {
	path := writeScenarioFile(t, `
name: counter-thrice
description: dispatches ADD twice
setup:
  - "CREATE TABLE counters (name TEXT PRIMARY KEY, n INTEGER NOT NULL)"
flow:
  - dispatch: ADD
  - dispatch: ADD
assertions:
  - type: version
    version: 2
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)
	require.Equal(t, "counter-thrice", s.Name)
	require.Len(t, s.Flow, 2)
	require.Len(t, s.Assertions, 1)
}

func TestLoadScenarioRejectsUnknownField(t *testing.T) {
	path := writeScenarioFile(t, `
name: bad
flwo:
  - dispatch: ADD
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
}

func TestLoadScenarioRejectsMissingName(t *testing.T) {
	path := writeScenarioFile(t, `
flow:
  - dispatch: ADD
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
}

func TestLoadScenarioRejectsUnknownAssertionType(t *testing.T) {
	path := writeScenarioFile(t, `
name: bad
flow:
  - dispatch: ADD
assertions:
  - type: not_a_real_type
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
}
