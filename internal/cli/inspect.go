package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/coreflux/internal/queue"
	"github.com/roach88/coreflux/internal/store"
)

// NewInspectCommand reports the queue's current state: the persisted
// domain version, the latest enqueued version, and any events left in
// an error state for operator follow-up.
func NewInspectCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "report queue and version state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.Open(store.Options{Path: root.Store, ReadOnly: root.Store != ":memory:", Name: root.Name})
			if err != nil {
				return &CLIError{Code: ErrCodeStoreOpen, Err: err}
			}
			defer s.Close()

			ctx := cmd.Context()
			q, err := queue.New(ctx, s)
			if err != nil {
				return &CLIError{Code: ErrCodeStoreOpen, Err: err}
			}

			var persisted int64
			if err := s.DB().QueryRowContext(ctx, "PRAGMA user_version").Scan(&persisted); err != nil {
				return &CLIError{Code: ErrCodeGeneric, Err: err}
			}
			latest, err := q.LatestVersion(ctx)
			if err != nil {
				return &CLIError{Code: ErrCodeGeneric, Err: err}
			}
			failed, err := q.FindFailedEvents(ctx)
			if err != nil {
				return &CLIError{Code: ErrCodeGeneric, Err: err}
			}

			if root.Format == "json" {
				out := struct {
					PersistedVersion int64         `json:"persisted_version"`
					LatestVersion    int64         `json:"latest_version"`
					Failed           []queue.Event `json:"failed_events"`
				}{persisted, latest, failed}
				b, err := json.Marshal(out)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "persisted version: %d\n", persisted)
			fmt.Fprintf(cmd.OutOrStdout(), "latest queued version: %d\n", latest)
			fmt.Fprintf(cmd.OutOrStdout(), "failed events: %d\n", len(failed))
			for _, ev := range failed {
				fmt.Fprintf(cmd.OutOrStdout(), "  v=%d type=%s error=%v\n", ev.V, ev.Type, ev.Error)
			}
			return nil
		},
	}
	return cmd
}
