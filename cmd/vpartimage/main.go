// Command vpartimage mounts a partimage image as a read-only virtual
// partition file, or runs a CRC-verified sequential read and/or dumps its
// headers.
package main

import (
	"os"

	"github.com/blichmann-tools/imagebackup/internal/cliapp"
)

func main() {
	os.Exit(cliapp.Run("vpartimage", os.Args[1:]))
}
