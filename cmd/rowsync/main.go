// Command rowsync provisions, serves and synchronizes row scopes between
// SQLite databases.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rowsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
