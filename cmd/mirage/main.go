// Command mirage records operations against stand-ins and replays them
// against real object graphs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/mirage/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
