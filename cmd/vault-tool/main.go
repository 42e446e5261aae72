// vault-tool is the maintenance CLI for a NoteVault object store.
package main

import (
	"os"

	"github.com/notevault/notevault/internal/logging"
)

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
