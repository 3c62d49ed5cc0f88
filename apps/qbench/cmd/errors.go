package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/quatton/qbench/pkg/qerr"
)

// errInstancesFailed is returned by run when the report holds failures. The
// report itself has already been printed.
var errInstancesFailed = errors.New("one or more instances failed")

// exitCode prints guidance for err and returns the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errInstancesFailed):
		return 1
	case qerr.IsCode(err, qerr.CodeInvalidSpec):
		fmt.Fprintf(os.Stderr, "invalid experiment: %v\n", err)
		return 3
	case qerr.IsCode(err, qerr.CodeCancelled):
		fmt.Fprintln(os.Stderr, "interrupted")
		return 130
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
}
