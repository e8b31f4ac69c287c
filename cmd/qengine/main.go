// Command qengine is the queue and transfer engine's daemon: it loads
// configuration, wires the core (internal/corectx) to its background
// workers, and serves the read-only status API, following the
// cmd/dfs -> commands package split used by the teacher repo.
package main

import (
	"fmt"
	"os"

	"github.com/dcqueue/qengine/cmd/qengine/commands"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
