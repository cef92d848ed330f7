package main

import (
	"os"

	"github.com/opentalon/relay/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
