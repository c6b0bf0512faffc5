// Package main is the ghostwall command-line client for the daemon's read
// API.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
