// Command treebeard is the CLI entry point wiring internal/cmd's command
// tree to process exit codes.
package main

import (
	"fmt"
	"os"

	"github.com/divmain/treebeard/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
