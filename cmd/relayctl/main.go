// relayctl is the operator CLI for the RelayDesk control plane: it lists
// the agent inbox, runs triage by hand, releases handed-off conversations
// and inspects the tenant's AI agent configuration.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
