// Command fieldnet runs the distributor network API and its admin tools.
package main

import (
	"fmt"
	"os"

	"github.com/tutu-network/fieldnet/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
