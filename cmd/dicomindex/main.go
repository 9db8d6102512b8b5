// Package main provides the entry point for the dicomindex CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/dicomindex/cmd/dicomindex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
