package main

import (
	"os"

	"github.com/edupay/edupay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
