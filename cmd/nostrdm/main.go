// nostrdm is a command line client for encrypted Nostr direct messages.
package main

import (
	"os"

	"github.com/chebizarro/nostrdm/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
