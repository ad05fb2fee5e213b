package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/coreflux/internal/queue"
	"github.com/roach88/coreflux/internal/store"
)

// NewWaitCommand polls the queue for a version to be processed. It has
// no engine of its own to drive processing forward - some other
// process (the embedding application) must be running the polling loop
// against the same file.
func NewWaitCommand(root *RootOptions) *cobra.Command {
	var timeout time.Duration
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "wait <version>",
		Short: "block until a version has been processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v int64
			if _, err := fmt.Sscanf(args[0], "%d", &v); err != nil {
				return &CLIError{Code: ErrCodeBadArgs, Err: fmt.Errorf("invalid version %q", args[0])}
			}

			s, err := store.Open(store.Options{Path: root.Store, ReadOnly: root.Store != ":memory:", Name: root.Name})
			if err != nil {
				return &CLIError{Code: ErrCodeStoreOpen, Err: err}
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			q, err := queue.New(ctx, s)
			if err != nil {
				return &CLIError{Code: ErrCodeStoreOpen, Err: err}
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				ev, ok, err := q.Get(ctx, v)
				if err != nil {
					return &CLIError{Code: ErrCodeGeneric, Err: err}
				}
				if ok && (ev.Failed() || eventCommitted(ctx, s, v)) {
					return printEvent(cmd, root, ev)
				}
				select {
				case <-ctx.Done():
					return &CLIError{Code: ErrCodeTimeout, Err: fmt.Errorf("version %d not processed after %s", v, timeout)}
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait before giving up")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "polling interval")
	return cmd
}

// eventCommitted reports whether v has been folded into the persisted
// domain version, the authoritative "processed" signal for events with
// no reducer output (spec.md §3, §4.5).
func eventCommitted(ctx context.Context, s *store.Store, v int64) bool {
	var persisted int64
	row := s.DB().QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&persisted); err != nil {
		return false
	}
	return v <= persisted
}
