package main

import (
	"os"

	"github.com/FalkorDB/QueryWeaver/cmd/qwctl/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
