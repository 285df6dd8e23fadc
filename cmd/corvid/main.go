// Command corvid runs catalog-defined workflows with versioned state,
// per-step error strategies and deterministic identifiers.
package main

import (
	"os"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
