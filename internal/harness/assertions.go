package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/coreflux/internal/engine"
)

func evaluateAssertion(ctx context.Context, e *engine.Engine, a Assertion) error {
	switch a.Type {
	case AssertVersion:
		return assertVersion(ctx, e, a)
	case AssertTableState:
		return assertTableState(ctx, e, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertVersion(ctx context.Context, e *engine.Engine, a Assertion) error {
	var got int64
	row := e.DB().QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&got); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if got != a.Version {
		return fmt.Errorf("version = %d, want %d", got, a.Version)
	}
	return nil
}

func assertTableState(ctx context.Context, e *engine.Engine, a Assertion) error {
	cols := make([]string, 0, len(a.Expect))
	for col := range a.Expect {
		cols = append(cols, col)
	}

	where, args := buildWhere(a.Where)
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(cols, ", "), a.Table, where)

	dest := make([]any, len(cols))
	scratch := make([]any, len(cols))
	for i := range dest {
		dest[i] = &scratch[i]
	}

	row := e.DB().QueryRowContext(ctx, query, args...)
	if err := row.Scan(dest...); err != nil {
		return fmt.Errorf("query %s: %w", a.Table, err)
	}

	for i, col := range cols {
		want := a.Expect[col]
		got := scratch[i]
		if !valuesMatch(got, want) {
			return fmt.Errorf("%s.%s = %v, want %v", a.Table, col, got, want)
		}
	}
	return nil
}

func buildWhere(where map[string]interface{}) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(where))
	args := make([]any, 0, len(where))
	for col, val := range where {
		clauses = append(clauses, col+" = ?")
		args = append(args, val)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// valuesMatch compares a scanned SQLite value against a YAML-parsed
// expectation, tolerating the int64-vs-int and []byte-vs-string
// mismatches both sources produce for the same logical value.
func valuesMatch(got, want any) bool {
	switch w := want.(type) {
	case int:
		g, ok := toInt64(got)
		return ok && g == int64(w)
	case int64:
		g, ok := toInt64(got)
		return ok && g == w
	case string:
		switch g := got.(type) {
		case string:
			return g == w
		case []byte:
			return string(g) == w
		}
		return false
	default:
		return got == want
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
