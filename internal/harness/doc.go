// Package harness runs declarative dispatch scripts against a fresh
// in-memory engine and asserts the resulting model-table state and
// version, giving spec.md §8's prose scenarios (S1-S6) an executable,
// reusable form alongside the package-level unit tests.
package harness
