package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
)

var (
	// ErrLoggerNil is returned when the Logger is nil and cannot proceed.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrDuplicateApp is returned when an app name is registered twice.
	ErrDuplicateApp = errors.New("app already registered")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a deployable component run by the Launcher. Run blocks until
// launcher.Context() is done and the app has stopped.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption defines a function option for Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// WithContext replaces the default signal-bound context. Cancelling ctx
// asks every app to stop.
func WithContext(ctx context.Context) LauncherOption {
	return func(l *Launcher) {
		if ctx != nil {
			l.ctx = ctx
		}
	}
}

// RunApp registers an application with the launcher.
// If registration fails, the error is surfaced by RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	ctx          context.Context
	apps         map[string]App
	order        []string
	wg           *sync.WaitGroup
	errMu        sync.Mutex
	appErrors    []error
	configErrors []error
}

// NewLauncher creates a Launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Add registers an application.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if nilcheck.Interface(a) {
		return ErrNilApp
	}

	if _, exists := l.apps[appName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateApp, appName)
	}

	l.apps[appName] = a
	l.order = append(l.order, appName)

	return nil
}

// Context is done when the launcher asks its apps to stop.
func (l *Launcher) Context() context.Context {
	if l == nil || l.ctx == nil {
		return context.Background()
	}

	return l.ctx
}

// Run runs every app and logs the aggregated error, if any.
func (l *Launcher) Run() {
	if err := l.RunWithError(); err != nil && l != nil && !nilcheck.Interface(l.Logger) {
		l.Logger.Log(context.Background(), log.LevelError, "launcher error", log.Err(err))
	}
}

// RunWithError runs every app on a supervised goroutine and returns once all
// of them returned. Without WithContext, SIGINT and SIGTERM cancel the
// launcher context. App errors are joined into the result.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if nilcheck.Interface(l.Logger) {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	if l.ctx == nil {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		l.ctx = ctx
	}

	l.Logger.Log(l.ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.order)))

	for _, name := range l.order {
		app := l.apps[name]

		l.wg.Add(1)

		runtime.SafeGoWithContextAndComponent(l.ctx, l.Logger, "launcher", "run_app_"+name, runtime.KeepRunning,
			func(ctx context.Context) {
				defer l.wg.Done()

				l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

				if err := app.Run(l); err != nil {
					l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))
					l.recordError(fmt.Errorf("app %q: %w", name, err))
				}

				l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
			})
	}

	l.wg.Wait()

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	l.errMu.Lock()
	defer l.errMu.Unlock()

	return errors.Join(l.appErrors...)
}

func (l *Launcher) recordError(err error) {
	l.errMu.Lock()
	defer l.errMu.Unlock()

	l.appErrors = append(l.appErrors, err)
}
