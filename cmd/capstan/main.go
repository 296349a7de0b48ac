package main

import (
	"os"

	"github.com/capstanhq/capstan/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
