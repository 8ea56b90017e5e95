// Package main is the entry point for the malachi CLI.
package main

import (
	"os"

	"github.com/runger/malachi/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
