package main

import (
	"os"

	"github.com/martin/aria/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
