// Package main is the entry point for the iprouter IPv4 router.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/iprouter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
