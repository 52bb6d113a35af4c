// Command childproc spawns and drives child processes.
package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/childproc/internal/cmd"
	"github.com/Iron-Ham/childproc/internal/errors"
	"github.com/Iron-Ham/childproc/internal/spawn"
)

func main() {
	// when re-executed as the child-setup trampoline this never returns
	spawn.Init()

	if err := cmd.Execute(); err != nil {
		var exitErr *cmd.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code())
		}
		fmt.Fprintf(os.Stderr, "childproc: %v\n", err)
		os.Exit(1)
	}
}
