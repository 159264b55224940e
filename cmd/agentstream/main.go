package main

import (
	"fmt"
	"os"

	"github.com/yubzen/agentstream/internal/cli"
)

func restoreTerminalState() {
	fmt.Fprint(os.Stderr, "\x1b[?25h\x1b[0m")
}

func main() {
	err := cli.NewRootCmd().Execute()
	restoreTerminalState()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
