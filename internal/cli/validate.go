package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCommand checks that a YAML config file parses and names a
// usable store, without opening it for writes.
func NewValidateCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "validate a coreflux config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: store=%s name=%s\n", cfg.Store, cfg.Name)
			return nil
		},
	}
	return cmd
}
