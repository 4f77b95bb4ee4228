// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/blackbox-cli/cmd"
	"github.com/xkilldash9x/blackbox-cli/internal/observability"
)

// main is the entry point for the blackbox CLI.
func main() {
	// Interrupt signals cancel the context; the hunt loop notices at the next
	// iteration boundary and reports what it has.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
