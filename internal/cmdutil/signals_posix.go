// +build !windows

package cmdutil

import (
	"os"
	"syscall"
)

// TODO: We may want to consider expanding this list.
var TerminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}
