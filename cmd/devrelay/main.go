package main

import (
	"os"

	"github.com/koltyakov/devrelay/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
