package main

import (
	"os"

	"github.com/jc1122/portfolio-management-sub002/cmd/simulator/commands"
)

// main is the entry point for the simulator CLI
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
