package reliable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrDuplicateApp is returned when two apps are registered under one name.
	ErrDuplicateApp = errors.New("app name already registered")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
	// ErrAppFailed wraps the errors of apps that returned one.
	ErrAppFailed = errors.New("app failed")
)

// App is a long-running component hosted by a Launcher, such as a polling
// loop or a message consumer.
type App interface {
	Run(launcher *Launcher) error
}

// ContextApp is an App that also stops when a context is cancelled. The
// sender, dispatcher, cleaner and consumer implement it.
type ContextApp interface {
	App
	RunContext(ctx context.Context, launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers an app with the launcher. Registration errors surface
// from RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))

			if l.Logger != nil {
				l.Logger.Log(context.Background(), log.LevelError, "launcher add app error", log.App(name), log.Err(err))
			}
		}
	}
}

// Launcher runs registered apps side by side until all of them return.
// Apps start in registration order.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	order        []string
	configErrors []error
	mu           sync.Mutex
}

// Add registers app under appName.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	appName = strings.TrimSpace(appName)
	if appName == "" {
		return ErrEmptyApp
	}

	if a == nil {
		return ErrNilApp
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if _, ok := l.apps[appName]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateApp, appName)
	}

	l.apps[appName] = a
	l.order = append(l.order, appName)

	return nil
}

// Apps returns the registered app names in start order.
func (l *Launcher) Apps() []string {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.order...)
}

// Run runs every app and logs the launcher error, if any.
func (l *Launcher) Run() {
	if err := l.RunWithError(); err != nil {
		if l != nil && l.Logger != nil {
			l.Logger.Log(context.Background(), log.LevelError, "launcher error", log.Err(err))
		}
	}
}

// RunWithError runs all apps until they return.
func (l *Launcher) RunWithError() error {
	return l.RunContext(context.Background())
}

// RunContext runs all apps, each in its own goroutine, and blocks until
// they return. Cancelling ctx stops every ContextApp; plain apps must be
// stopped by their owner. Errors returned by apps are joined under
// ErrAppFailed.
func (l *Launcher) RunContext(ctx context.Context) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	names := l.Apps()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(names)))

	for _, name := range names {
		app := l.apps[name]

		wg.Add(1)

		runtime.SafeGoWithContextAndComponent(
			ctx,
			l.Logger,
			"launcher",
			"run_app_"+name,
			runtime.KeepRunning,
			func(ctx context.Context) {
				defer wg.Done()

				if err := l.runApp(ctx, name, app); err != nil {
					mu.Lock()
					failed = append(failed, fmt.Errorf("app %q: %w", name, err))
					mu.Unlock()
				}
			},
		)
	}

	wg.Wait()

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated", log.Int("failed", len(failed)))

	if len(failed) > 0 {
		return errors.Join(append([]error{ErrAppFailed}, failed...)...)
	}

	return nil
}

func (l *Launcher) runApp(ctx context.Context, name string, app App) error {
	logger := l.Logger.With(log.App(name))
	started := time.Now()

	logger.Log(ctx, log.LevelInfo, "app starting")

	var err error

	if withContext, ok := app.(ContextApp); ok {
		err = withContext.RunContext(ctx, l)
	} else {
		err = app.Run(l)
	}

	elapsed := time.Since(started)

	if err != nil {
		logger.Log(ctx, log.LevelError, "app error", log.Duration("uptime", elapsed), log.Err(err))

		return err
	}

	logger.Log(context.Background(), log.LevelInfo, "app finished", log.Duration("uptime", elapsed))

	return nil
}

// NewLauncher creates a Launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{apps: make(map[string]App)}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}
