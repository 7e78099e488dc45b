package main

import (
	"os"

	"github.com/sparlo/usage/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
