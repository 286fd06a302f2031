// Orchard daemon: projects a remote drive as a local filesystem, keeping an
// authoritative local state database and pushing local mutations back with
// conflict arbitration.
package main

import (
	"os"

	"github.com/rvardiashvili/Orchard/cmd/orchardd/cli"
)

func main() {
	os.Exit(cli.Execute())
}
