// Package main is the entry point for the fleet autoscaler.
package main

import (
	"os"

	"github.com/softcane/fleet-autoscaler/cmd/autoscaler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
