package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/coreflux/internal/queue"
	"github.com/roach88/coreflux/internal/store"
)

// NewDispatchCommand appends a raw event to the queue. It does not wait
// for the embedding process's engine to process it - that requires the
// model registry, which lives only in Go code - so pair it with `wait`
// to observe the outcome.
func NewDispatchCommand(root *RootOptions) *cobra.Command {
	var ts int64

	cmd := &cobra.Command{
		Use:   "dispatch <type> [json-data]",
		Short: "append an event to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := args[0]
			data := json.RawMessage("{}")
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return &CLIError{Code: ErrCodeBadArgs, Err: fmt.Errorf("data is not valid JSON: %s", args[1])}
				}
				data = json.RawMessage(args[1])
			}
			if ts == 0 {
				ts = time.Now().Unix()
			}

			s, err := store.Open(store.Options{Path: root.Store, Name: root.Name})
			if err != nil {
				return &CLIError{Code: ErrCodeStoreOpen, Err: err}
			}
			defer s.Close()

			ctx := cmd.Context()
			q, err := queue.New(ctx, s)
			if err != nil {
				return &CLIError{Code: ErrCodeStoreOpen, Err: err}
			}

			ev, err := q.Add(ctx, typ, data, ts)
			if err != nil {
				return &CLIError{Code: ErrCodeGeneric, Err: err}
			}

			return printEvent(cmd, root, ev)
		},
	}
	cmd.Flags().Int64Var(&ts, "ts", 0, "wall-clock seconds to stamp the event (default: now)")
	return cmd
}

func printEvent(cmd *cobra.Command, root *RootOptions, ev queue.Event) error {
	if root.Format == "json" {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "v=%d type=%s ts=%d\n", ev.V, ev.Type, ev.Ts)
	if ev.Failed() {
		fmt.Fprintf(cmd.OutOrStdout(), "  error: %v\n", ev.Error)
	}
	return nil
}
