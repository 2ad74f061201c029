//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals lists the signals that end the chat client.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
