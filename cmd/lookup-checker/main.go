// Command lookup-checker checks bulk lists of phone numbers against the
// remote lookup service using a pool of proxy-bound credentials.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/lookup-checker/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(wireApp).ExecuteContext(ctx)
	_ = logging.Close()
	if err != nil {
		stop()
		os.Exit(1)
	}
}
