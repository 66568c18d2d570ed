// Package main provides the entry point for the contextual CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/contextual/cmd/contextual/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
