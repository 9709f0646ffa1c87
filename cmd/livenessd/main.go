package main

import (
	"os"

	"github.com/liveness-lab/cmd/livenessd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
