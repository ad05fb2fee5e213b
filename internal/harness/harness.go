package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/roach88/coreflux/internal/engine"
	"github.com/roach88/coreflux/internal/model"
	"github.com/roach88/coreflux/internal/testutil"
)

// Run executes scenario against a fresh in-memory engine built from
// models, applying Setup DDL first, dispatching every Flow step in
// order and waiting for it to settle, then evaluating Assertions
// against the final state. Unlike the manufactured-completion approach
// this pattern is sometimes built with, every step here goes through
// the real engine and pipeline - the trace reflects genuine processing,
// not a canned expectation.
func Run(t *testing.T, models []model.Model, scenario *Scenario) (*Result, error) {
	t.Helper()

	e, err := engine.New(engine.WithModels(models...), engine.WithName(scenario.Name))
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer e.Close(ctx)

	for i, stmt := range scenario.Setup {
		if _, err := e.DB().ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	// A deterministic clock, not time.Now(), stamps every dispatched
	// event so the trace is byte-identical across runs - required for
	// AssertGolden to compare it against a fixed fixture.
	clock := testutil.NewDeterministicClock(0)

	result := &Result{ScenarioName: scenario.Name}
	for i, step := range scenario.Flow {
		data, err := json.Marshal(step.Data)
		if err != nil {
			return nil, fmt.Errorf("flow[%d]: marshal data: %w", i, err)
		}

		ch, err := e.Dispatch(ctx, step.Dispatch, json.RawMessage(data), clock.Next())
		if err != nil {
			return nil, fmt.Errorf("flow[%d]: dispatch: %w", i, err)
		}

		select {
		case out := <-ch:
			trace := TraceEvent{
				Seq:      i,
				Dispatch: step.Dispatch,
				Data:     step.Data,
				Ts:       out.Event.Ts,
				Version:  out.Event.V,
				Failed:   out.Event.Failed(),
				Error:    out.Event.Error,
			}
			result.Trace = append(result.Trace, trace)

			if trace.Failed != step.ExpectFailed {
				result.addError("flow[%d] %s: failed=%v, want %v (error=%v)",
					i, step.Dispatch, trace.Failed, step.ExpectFailed, out.Event.Error)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("flow[%d]: %w", i, ctx.Err())
		}
	}

	for i, a := range scenario.Assertions {
		if err := evaluateAssertion(ctx, e, a); err != nil {
			result.addError("assertions[%d]: %v", i, err)
		}
	}

	return result, nil
}
