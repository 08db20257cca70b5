package main

import (
	"fmt"
	"os"

	"github.com/you/chatledger/internal/command"
	"github.com/you/chatledger/internal/version"
)

func main() {
	if err := command.Execute(version.Version); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
