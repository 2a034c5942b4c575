// Command rpcd is the ONC-RPC runtime's server and client CLI: it starts a
// dispatch server over pkg/rpcserver that serves the portmap/rpcbind
// rendezvous service, and offers client-side subcommands for querying or
// updating a rendezvous daemon. The start command does not register its
// own services with an external rendezvous daemon.
package main

import (
	"fmt"
	"os"

	"github.com/oncrpcd/oncrpc/cmd/rpcd/commands"
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
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
