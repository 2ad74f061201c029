//go:build windows

package main

import "os"

// terminationSignals lists the signals that end the chat client.
var terminationSignals = []os.Signal{os.Interrupt}
