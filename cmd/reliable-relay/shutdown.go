package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
)

const defaultShutdownTimeout = 30 * time.Second

// gracefulApp is implemented by the polling loops.
type gracefulApp interface {
	Shutdown(ctx context.Context) error
}

// stoppableApp is implemented by consumers and the health checker.
type stoppableApp interface {
	Stop()
}

type namedApp struct {
	name string
	app  reliable.App
}

type namedCloser struct {
	name string
	fn   func(ctx context.Context) error
}

// relay hosts the apps of the binary and tears them down in order on
// SIGINT, SIGTERM or when the shutdown channel closes.
type relay struct {
	logger          log.Logger
	apps            []namedApp
	closers         []namedCloser
	shutdownChan    <-chan struct{}
	shutdownTimeout time.Duration
	shutdownOnce    sync.Once
}

func newRelay(logger log.Logger) *relay {
	if logger == nil {
		logger = log.NewNop()
	}

	return &relay{logger: logger, shutdownTimeout: defaultShutdownTimeout}
}

func (r *relay) addApp(name string, app reliable.App) {
	r.apps = append(r.apps, namedApp{name: name, app: app})
}

// addCloser registers a resource release. Closers run in reverse
// registration order once every app stopped.
func (r *relay) addCloser(name string, fn func(ctx context.Context) error) {
	r.closers = append(r.closers, namedCloser{name: name, fn: fn})
}

// run starts every app and blocks until shutdown completed.
func (r *relay) run() error {
	opts := []reliable.LauncherOption{reliable.WithLogger(r.logger)}
	for _, entry := range r.apps {
		opts = append(opts, reliable.RunApp(entry.name, entry.app))
	}

	launcher := reliable.NewLauncher(opts...)
	done := make(chan error, 1)

	// Cancelled only when graceful shutdown runs out of time, so apps that
	// take a context are forced to return.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime.SafeGo(r.logger, "relay.launcher", runtime.KeepRunning, func() {
		done <- launcher.RunContext(runCtx)
	})

	var (
		runErr   error
		finished bool
	)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case <-signals:
		r.logger.Log(context.Background(), log.LevelInfo, "termination signal received")
	case <-r.shutdownChan:
	case runErr = <-done:
		finished = true
	}

	signal.Stop(signals)

	r.shutdown()

	if finished {
		return runErr
	}

	select {
	case runErr = <-done:
		return runErr
	case <-time.After(r.shutdownTimeout):
		r.logger.Log(context.Background(), log.LevelWarn, "forcing apps to stop", log.Any("apps", launcher.Apps()))

		return errors.New("apps did not stop within the shutdown timeout")
	}
}

// shutdown stops the apps in reverse order, then releases resources. It is
// idempotent.
func (r *relay) shutdown() {
	r.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
		defer cancel()

		r.logger.Log(ctx, log.LevelInfo, "gracefully shutting down relay")

		for i := len(r.apps) - 1; i >= 0; i-- {
			entry := r.apps[i]

			switch app := entry.app.(type) {
			case gracefulApp:
				if err := app.Shutdown(ctx); err != nil {
					r.logger.Log(ctx, log.LevelError, "app shutdown failed", log.App(entry.name), log.Err(err))
				}
			case stoppableApp:
				app.Stop()
			}
		}

		for i := len(r.closers) - 1; i >= 0; i-- {
			closer := r.closers[i]

			if err := closer.fn(ctx); err != nil {
				r.logger.Log(ctx, log.LevelError, "close failed", log.String("resource", closer.name), log.Err(err))
			}
		}

		r.logger.Log(ctx, log.LevelInfo, "relay stopped")
	})
}
