// Command feedsync runs and administers a replicated feed store node.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/feedsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
