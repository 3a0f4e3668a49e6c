// Command lode runs a Lua program inside a supervised host: one engine,
// one run loop, native modules, signal handling and orderly teardown.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(Execute(NewRootCommand(), os.Args[1:]))
}

// Execute runs root with args and returns the process exit code.
func Execute(root *cobra.Command, args []string) int {
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %s\n", msg)
	}
	return GetExitCode(err)
}
