package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dfirkit/velopack/cmd"
)

func main() {
	// SIGINT cancels the context instead of killing the process so the
	// summary for completed work still prints.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cmd.NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err == nil {
		return
	}

	var exit *cmd.ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exit.Err)
		}
		os.Exit(exit.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(2)
}
