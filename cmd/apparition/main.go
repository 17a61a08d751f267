package main

import (
	"os"

	"github.com/Mathew-Carl/Apparition/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
