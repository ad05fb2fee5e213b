package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/coreflux/internal/engine"
)

// NewServeCommand runs the polling loop against a store file until
// interrupted. It carries no model registry - models are Go values
// compiled into an embedding process - so this drives commit of
// already-queued events (version advancement, sub-event recursion) for
// events with no registered model, and otherwise exists so an operator
// can watch a file another process is writing to. A real deployment
// embeds *engine.Engine directly and registers its own models; this
// subcommand is the CLI-only degenerate case.
func NewServeCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the polling loop against a store file until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine.New(engine.WithStorePath(root.Store), engine.WithName(root.Name))
			if err != nil {
				return &CLIError{Code: ErrCodeStoreOpen, Err: err}
			}
			defer e.Close(context.Background())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "serving %s (ctrl-c to stop)\n", root.Store)
			for {
				ev, err := e.WaitForQueue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return &CLIError{Code: ErrCodeGeneric, Err: err}
				}
				if perr := printEvent(cmd, root, ev); perr != nil {
					return perr
				}
			}
		},
	}
	return cmd
}
