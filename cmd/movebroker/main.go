// movebroker serves chess move evaluations from an engine subprocess.
package main

import (
	"os"

	"github.com/movebroker/movebroker/pkg/cli"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit
	cli.BuildDate = BuildDate
	os.Exit(cli.Execute())
}
