// driftsync keeps a local directory and a cloud drive subtree converged.
//
// The bare command runs one reconciliation: it compares the last agreed
// state with both sides, proposes two operation scripts, and applies them
// after confirmation. --download-only and --upload-only restrict the run
// to one direction; --watch re-runs on filesystem events and change
// notifications until interrupted.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/driftsync/driftsync/internal/sync"
)

// Exit codes: 0 success, 255 (-1) user declined, 1 anything else.
const exitCanceled = 255

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errCanceled) {
			os.Exit(exitCanceled)
		}

		var conflict *sync.ErrAmbiguousConflict
		if errors.As(err, &conflict) {
			fmt.Fprintf(os.Stderr, "Conflict requires manual resolution: %v\n", conflict)
			fmt.Fprintln(os.Stderr, "Resolve it on one side (rename, delete, or revert), then run again.")

			if name := conflict.LocalOp.Name; name != "" {
				fmt.Fprintf(os.Stderr, "For example, keep your local version as %s first.\n",
					sync.DescribeConflictCopyPath(name, time.Now()))
			}

			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
