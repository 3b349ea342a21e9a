// Package signals turns OS termination signals into a context cancellation,
// so the gRPC server can drain in-flight streams before exiting.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

var shutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}

// NotifyContext returns a context derived from parent that is canceled on
// the first shutdown signal, giving the caller a chance to stop accepting
// new streams and drain existing ones. A second signal before the process
// exits forces an immediate exit with status 1.
func NotifyContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	notifyCh := make(chan os.Signal, 2)
	signal.Notify(notifyCh, shutdownSignals...)

	go func() {
		sig := <-notifyCh
		log.Infof("received %v, shutting down gracefully", sig)
		cancel()

		sig = <-notifyCh
		log.Warnf("received second %v, forcing exit", sig)
		os.Exit(1)
	}()

	return ctx
}
