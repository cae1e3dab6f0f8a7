// Package cmdutil provides the signal-handling wrapper cmd/rwsplitd runs its
// root cobra.Command through, adapted from tiproxy's lib/util/cmd.RunRootCommand:
// SIGINT/SIGTERM/SIGQUIT cancel the command's context so a running server gets
// a chance to close its listener and in-flight sessions before the process exits.
package cmdutil

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func RunRootCommand(rootCmd *cobra.Command) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sc := make(chan os.Signal, 1)
		signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		<-sc
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
