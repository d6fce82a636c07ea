package contextutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var ErrShutdown = errors.New("shutdown requested")

// SetupSignals cancels the returned context on the first interrupt so
// in-flight requests (including streamed responses) can wind down. A second
// interrupt exits the process immediately.
func SetupSignals(ctx context.Context) context.Context {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	ctxCa, ca := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-sig:
			slog.Info("interrupt received")
			ca(fmt.Errorf("signal received : %w", ErrShutdown))
		case <-ctxCa.Done():
			return
		}
		<-sig
		os.Exit(130)
	}()
	return ctxCa
}
