// Command coreflux operates on a coreflux store/queue file from outside
// the embedding process: dispatching raw events, waiting on versions,
// and inspecting failed events.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/coreflux/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		var cerr *cli.CLIError
		if errors.As(err, &cerr) {
			fmt.Fprintf(os.Stderr, "coreflux: [%s] %v\n", cerr.Code, cerr.Unwrap())
		} else {
			fmt.Fprintf(os.Stderr, "coreflux: %v\n", err)
		}
		os.Exit(1)
	}
}
