// Command landing runs the MilleGrilles Landing domain service.
package main

import (
	"fmt"
	"os"

	"github.com/dugrema/millegrilles-landing/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
