// relayctl is the CLI client: it dials relayd and issues one-shot
// commands, or drops into an interactive shell for a sequence of them.
//
// License: MIT
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
