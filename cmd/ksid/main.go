// Package main provides the entry point for the ksid daemon.
package main

import (
	"fmt"
	"os"

	"github.com/ksi-dev/ksid/cmd/ksid/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
