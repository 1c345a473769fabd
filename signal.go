package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// errInterrupted is the cancellation cause after SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

// interrupt turns SIGINT/SIGTERM into cancellation. The first signal cancels
// the returned context so uploads stop and unfinished large files are
// cancelled or kept for resume. The second runs the registered cleanups and
// exits with 128+signal, leaving unfinished large files on the service.
type interrupt struct {
	logger *slog.Logger

	// exitFunc terminates the process. Tests override it.
	exitFunc func(code int)

	mu       sync.Mutex
	cleanups []func()
}

// shutdownContext watches the process signals until parent is done.
func shutdownContext(parent context.Context, logger *slog.Logger) (context.Context, *interrupt) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	in := &interrupt{logger: logger, exitFunc: os.Exit}

	return in.watch(parent, sigCh, func() { signal.Stop(sigCh) }), in
}

// OnForcedExit registers fn to run before a forced exit. Deferred calls do
// not run then, so anything that must not outlive the process (the watch
// lock) registers here too.
func (in *interrupt) OnForcedExit(fn func()) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.cleanups = append(in.cleanups, fn)
}

func (in *interrupt) watch(parent context.Context, sigCh <-chan os.Signal, stop func()) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		defer stop()

		select {
		case sig := <-sigCh:
			in.logger.Info("received signal, stopping uploads",
				slog.String("signal", sig.String()),
			)
			cancel(fmt.Errorf("%w by %s", errInterrupted, sig))
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			in.logger.Warn("received second signal, exiting without cleaning up large files",
				slog.String("signal", sig.String()),
			)
			in.forceExit(sig)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

func (in *interrupt) forceExit(sig os.Signal) {
	in.mu.Lock()
	cleanups := in.cleanups
	in.cleanups = nil
	in.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	in.exitFunc(exitCode(sig))
}

// exitCode follows the shell convention for death by signal.
func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}

	return 1
}
