package main

import (
	"os"

	"github.com/helioskv/helios/command"
)

func main() {
	os.Exit(command.Run(os.Args[1:]))
}
