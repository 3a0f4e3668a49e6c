//go:build !windows

package signals

import (
	"os"

	"golang.org/x/sys/unix"
)

var (
	terminateSignals = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGQUIT}
	reloadSignals    = []os.Signal{unix.SIGHUP}
)
