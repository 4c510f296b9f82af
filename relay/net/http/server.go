package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilApp is returned when NewServer gets no fiber app.
	ErrNilApp = errors.New("fiber app is nil")
	// ErrAddressRequired is returned when ServerConfig.Address is blank.
	ErrAddressRequired = errors.New("listen address is required")
)

// ServerConfig configures the status server.
type ServerConfig struct {
	Address         string        `env:"RELAY_HTTP_ADDRESS" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"RELAY_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Routes lists what NewApp mounts on /health and /status.
type Routes struct {
	Health []DependencyCheck
	Status []StatusSection
}

// NewApp builds a Fiber app serving /ping, /version, /health and /status.
// Liveness probes are not traced.
func NewApp(routes Routes, logger log.Logger, tracer trace.Tracer) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          FiberErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(WithTelemetry(tracer, "/ping"))

	app.Get("/ping", Ping)
	app.Get("/version", Version)
	app.Get("/health", HealthWithDependencies(routes.Health...))
	app.Get("/status", Status(routes.Status...))

	return app
}

// Server runs a Fiber app under the relay Launcher and shuts it down
// gracefully when the launcher stops.
type Server struct {
	cfg    ServerConfig
	app    *fiber.App
	logger log.Logger
}

var _ relay.App = (*Server)(nil)

// NewServer validates cfg.
func NewServer(cfg ServerConfig, app *fiber.App, logger log.Logger) (*Server, error) {
	if app == nil {
		return nil, ErrNilApp
	}

	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Server{cfg: cfg, app: app, logger: logger.With(log.String("component", "http"))}, nil
}

// Run implements relay.App.
func (s *Server) Run(launcher *relay.Launcher) error {
	return s.RunContext(launcher.Context())
}

// RunContext listens on the configured address until ctx is done.
func (s *Server) RunContext(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then waits up to ShutdownTimeout for
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)

	runtime.SafeGoWithContextAndComponent(ctx, s.logger, "http", "serve", runtime.KeepRunning,
		func(context.Context) {
			s.logger.Log(ctx, log.LevelInfo, "starting HTTP server", log.String("address", ln.Addr().String()))
			errCh <- s.app.Listener(ln)
		})

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	s.logger.Log(context.Background(), log.LevelInfo, "shutting down HTTP server")

	if err := s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	return <-errCh
}
