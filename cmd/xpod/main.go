package main

import (
	"fmt"
	"os"

	"github.com/undefinedsco/xpod/internal/cli"
)

func main() {
	err := cli.Execute()
	if err == nil {
		return
	}
	if ee, ok := err.(*cli.ExitError); !ok || !ee.Silent {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.ExitCode(err))
}
