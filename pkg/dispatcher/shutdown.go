package dispatcher

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForSignal blocks until SIGINT or SIGTERM arrives, then calls d.Stop.
// Grounded on cmd/warren's sigCh/signal.Notify shutdown sequence.
//
// spec §9 flags that signal-based shutdown assumes a main-thread host: an
// embedding that runs the Dispatcher on a worker thread has no such
// guarantee, so callers that can't rely on this must invoke d.Stop
// directly instead of calling WaitForSignal.
func (d *Dispatcher) WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	d.logger.Info().Msg("received shutdown signal")
	d.Stop()
}
