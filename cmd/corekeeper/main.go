package main

import (
	"os"

	"corekeeper/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
