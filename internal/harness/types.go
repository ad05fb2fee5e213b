package harness

import "fmt"

// Scenario is a declarative dispatch script: a sequence of events fed
// through a real engine, plus assertions on the resulting state.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Setup contains DDL statements run against the store before any
	// event is dispatched, establishing the model tables the scenario's
	// ApplyChanges functions expect to exist.
	Setup []string `yaml:"setup,omitempty"`

	Flow []FlowStep `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep dispatches a single event and optionally checks its outcome.
type FlowStep struct {
	Dispatch string                 `yaml:"dispatch"`
	Data     map[string]interface{} `yaml:"data,omitempty"`

	// ExpectFailed asserts the event ends in an error (Event.Failed()).
	// Absent or false asserts it succeeds.
	ExpectFailed bool `yaml:"expect_failed,omitempty"`
}

// Assertion validates final state after the whole flow has settled.
type Assertion struct {
	Type string `yaml:"type"` // "version" | "table_state"

	// Version is compared against the engine's persisted domain version
	// (used by Type == "version").
	Version int64 `yaml:"version,omitempty"`

	// Table/Where/Expect select a row and check field values (used by
	// Type == "table_state"). Where and Expect are exact-match on the
	// named columns.
	Table  string                 `yaml:"table,omitempty"`
	Where  map[string]interface{} `yaml:"where,omitempty"`
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

const (
	AssertVersion    = "version"
	AssertTableState = "table_state"
)

// TraceEvent records one dispatched step for golden comparison. Ts
// comes from a testutil.DeterministicClock, not wall-clock time, so two
// runs of the same scenario produce byte-identical traces.
type TraceEvent struct {
	Seq      int                    `json:"seq"`
	Dispatch string                 `json:"dispatch"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Ts       int64                  `json:"ts"`
	Version  int64                  `json:"version"`
	Failed   bool                   `json:"failed"`
	Error    map[string]string      `json:"error,omitempty"`
}

// Result is the outcome of running a Scenario.
type Result struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Errors       []string     `json:"errors,omitempty"`
}

// Passed reports whether every assertion held.
func (r *Result) Passed() bool { return len(r.Errors) == 0 }

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}
