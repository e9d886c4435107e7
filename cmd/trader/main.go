// Command trader runs and controls the factor trading engine.
package main

import (
	"fmt"
	"os"

	// Exchange time zones must resolve on hosts without zoneinfo
	_ "time/tzdata"

	"factor-trader/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
