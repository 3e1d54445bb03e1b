// Package lifecycle handles OS signal shutdown for both processes. Adapted
// from the teacher's internal/core/lifecycle.go WaitForSignals, generalized
// from a callback into a context.Context cancellation so every long-running
// loop (scheduler.Run, resolver.Watch, token.Manager.Run, http.Server) can
// select on the same ctx.Done().
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WithSignals returns a context cancelled on SIGINT or SIGTERM, and the
// cancel func the caller should still defer.
func WithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
