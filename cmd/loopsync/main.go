// Package main is the entry point for the loopsync application.
package main

import (
	"os"

	"github.com/loopsync/loopsync/cmd/loopsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
