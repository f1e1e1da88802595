// relayd is the relay process: it accepts editor-instance registrations
// and CLI client requests on one TCP port and brokers between them.
//
// License: MIT
package main

import (
	"fmt"
	"os"
)

var (
	version   = "dev"
	gitCommit string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
