// Package main is the entry point for perfwatch.
package main

import (
	"fmt"
	"os"

	"perfwatch/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
