// Command leasectl acquires, renews and releases TTL lease mutexes from the
// shell, and can hold a mutex for the lifetime of a child process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	// PersistentPostRunE is skipped when a command fails
	_ = teardown(nil, nil)
	if err != nil {
		stop()
		os.Exit(1)
	}
}
