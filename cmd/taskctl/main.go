// taskctl - local command-line client for the task flow
package main

import (
	"fmt"
	"os"

	"github.com/ashureev/taskflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
