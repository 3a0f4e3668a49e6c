//go:build windows

package signals

import (
	"os"
	"syscall"
)

var (
	terminateSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	reloadSignals    []os.Signal
)
