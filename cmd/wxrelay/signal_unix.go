//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals lists the signals that trigger graceful shutdown.
// SIGTERM is what most process managers (systemd, kubernetes) send.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
