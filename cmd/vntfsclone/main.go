// Command vntfsclone mounts an ntfsclone image as a read-only virtual
// partition file, or runs a sequential read and/or dumps its headers.
package main

import (
	"os"

	"github.com/blichmann-tools/imagebackup/internal/cliapp"
)

func main() {
	os.Exit(cliapp.Run("vntfsclone", os.Args[1:]))
}
