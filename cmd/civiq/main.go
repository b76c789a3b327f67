// Command civiq is the entry point for the civiq retrieval platform.
// It provides a CLI interface (via Cobra) and an HTTP server exposing the
// question-answering API and the collection management endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/civiq/civiq-go/cmd/civiq/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
