package main

import (
	"fmt"
	"os"
)

// osExit is swapped out in tests so a call can be observed without
// terminating the test binary.
var osExit = os.Exit

// exitSentinel is the panic value test overrides of osExit raise. The int
// is the exit code.
type exitSentinel int

// fatal prints to stderr and exits with code 1.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	osExit(1)
}
