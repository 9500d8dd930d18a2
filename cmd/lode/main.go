// Command lode drives the standards-corpus mining pipeline: ingest through
// replay, one durable run at a time.
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
