package main

import (
	"fmt"
	"os"

	"github.com/objectfs/geds/cmd/geds/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "geds:", err)
		os.Exit(1)
	}
}
