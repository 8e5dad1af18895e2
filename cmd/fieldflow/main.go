// Package main is the fieldflow command.
package main

import (
	"os"

	"github.com/leapstack-labs/fieldflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
