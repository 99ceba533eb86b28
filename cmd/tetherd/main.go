package main

import (
	"os"

	"github.com/TheusHen/tether/cmd/tetherd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
