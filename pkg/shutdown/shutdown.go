// pkg/shutdown/shutdown.go
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

// OnSignal returns a context that is cancelled on SIGINT or SIGTERM, or
// when parent ends. The received signal is logged.
func OnSignal(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("shutdown: signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Graceful runs fn with a fresh context bounded by timeout and logs the
// outcome. The error is returned for callers that care.
func Graceful(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("shutdown: stopping " + name)
	if err := fn(ctx); err != nil {
		log.Error("shutdown: error in "+name, zap.Error(err))
		return err
	}
	log.Info("shutdown: " + name + " stopped cleanly")
	return nil
}

// Step runs a shutdown action that cannot time out, with the same logging
// as Graceful.
func Step(name string, fn func(), log *logger.Logger) {
	log.Info("shutdown: stopping " + name)
	fn()
	log.Info("shutdown: " + name + " stopped cleanly")
}
