package main

import (
	"os"

	"github.com/throw-if-null/taskrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
