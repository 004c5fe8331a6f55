// Command escrowctl runs maintenance tasks against the escrow mirror and
// ledger: migrations, reconciliation, status reads and operator tokens.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(defaultEnv()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
