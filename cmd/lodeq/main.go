// Command lodeq is the deterministic query surface over a run's prewarm
// cache: index build, word/phrase search, and anchor lineage explain. All
// output is JSON on stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"lode/internal/services"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(services.ExitCode(err))
	}
}
