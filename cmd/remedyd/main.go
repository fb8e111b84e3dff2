package main

import (
	"os"

	"github.com/remedyhq/remedy/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
