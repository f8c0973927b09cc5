package main

import (
	"os"

	"github.com/hupe1980/opsmesh/internal/cli"
)

func main() {
	if err := cli.NewDefaultCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
