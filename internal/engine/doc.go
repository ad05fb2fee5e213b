// Package engine wires the Queue, Model Registry, Version Oracle,
// Event Pipeline, and Waiter Set into the Dispatcher (component C5)
// and single-flight Polling Loop (component C6) described in
// spec.md §4.5-4.6.
package engine
