package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/151300/FreeNodes/internal/api"
	"github.com/151300/FreeNodes/internal/clients"
	"github.com/151300/FreeNodes/internal/config"
	"github.com/151300/FreeNodes/internal/launcher"
	"github.com/151300/FreeNodes/internal/layout"
	"github.com/151300/FreeNodes/internal/metrics"
	"github.com/151300/FreeNodes/internal/paths"
	"github.com/151300/FreeNodes/internal/telemetry"
)

// AppContext holds all constructed application dependencies shared across
// subcommands. It is built once in PersistentPreRunE.
type AppContext struct {
	cfg          *config.Config
	root         string
	otelProvider *telemetry.Provider
	logFile      *os.File
	metrics      *metrics.Metrics
	launcher     *launcher.Launcher
	router       *api.Router
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Resolves the project root and its directory layout
//  2. Adds the log file sink when the logs directory already exists
//  3. Initialises the OTEL provider (best-effort, non-fatal)
//  4. Creates the clients, with a circuit breaker per backing service
//  5. Creates the launcher and the HTTP router
func buildAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	root, err := paths.ResolveRoot(cfg.Project.Root)
	if err != nil {
		return nil, err
	}
	lay, err := layout.New(root, cfg.Project.Dirs)
	if err != nil {
		return nil, err
	}

	app := &AppContext{cfg: cfg, root: root}
	app.openLogFile(lay)

	// OTEL is best-effort: a missing collector must never block a launch.
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Debug("OTEL telemetry disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(ctx,
			cfg.Telemetry.OTLPEndpoint,
			cfg.Telemetry.ServiceName,
			cfg.Telemetry.OTLPInsecure,
		)
		if err != nil {
			slog.Warn("OTEL provider init failed, telemetry disabled", "err", err)
		} else {
			app.otelProvider = tp
		}
	}

	// The install and the processor run unguarded: each launch invokes
	// them exactly once. Backing services get one breaker each.
	python := clients.NewPythonRuntime(cfg.Runtime, root)
	entry := clients.NewEntryPoint(cfg.Runtime.Python, cfg.Entry, root)

	app.metrics = metrics.New()
	opts := []launcher.Option{launcher.WithObserver(app.metrics)}

	if cfg.Lock.Redis.Host != "" {
		opts = append(opts, launcher.WithLocker(
			clients.NewRedisLocker(cfg.Lock, root, clients.NewCircuitBreaker("redis")),
		))
	}

	var reporters []launcher.Reporter
	if cfg.Reporting.NATS.URL != "" {
		reporters = append(reporters, clients.NewNATSReporter(cfg.Reporting.NATS, clients.NewCircuitBreaker("nats")))
	}
	if cfg.Reporting.Postgres.Host != "" {
		reporters = append(reporters, clients.NewPostgresReporter(cfg.Reporting.Postgres, clients.NewCircuitBreaker("postgres")))
	}
	if len(reporters) > 0 {
		opts = append(opts, launcher.WithReporters(reporters...))
	}

	console := launcher.NewConsole(os.Stdout, layout.OutputDir, layout.LogsDir)
	app.launcher = launcher.New(python, lay, entry, console, opts...)
	app.router = api.NewRouter(app.launcher, app.metrics.Handler(), newLaunchLimiter(cfg.Server))

	slog.Debug("app context ready", "root", root, "reporters", len(reporters), "lock", cfg.Lock.Redis.Host != "")
	return app, nil
}

// openLogFile tees the default logger into the launcher log file. The file
// sink is only added once the logs directory exists so that directory
// creation stays with the launch itself.
func (a *AppContext) openLogFile(lay *layout.Layout) {
	name := a.cfg.Telemetry.LogFile
	if name == "" {
		return
	}
	logsDir := lay.Path(layout.LogsDir)
	if _, err := os.Stat(logsDir); errors.Is(err, os.ErrNotExist) {
		return
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(logsDir, name)
	}

	f, err := telemetry.OpenLogFile(path)
	if err != nil {
		slog.Warn("log file disabled", "path", path, "err", err)
		return
	}
	a.logFile = f
	slog.SetDefault(telemetry.NewLogger(os.Stderr, f, telemetry.ParseLevel(a.cfg.Telemetry.LogLevel)))
}

// Close flushes telemetry and closes the log file.
func (a *AppContext) Close() {
	if a.otelProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelProvider.Shutdown(ctx); err != nil {
			slog.Warn("OTEL shutdown error", "err", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close() //nolint:errcheck
	}
}

// newLaunchLimiter returns nil (unlimited) when the configured rate is not
// positive.
func newLaunchLimiter(s config.ServerConfig) *rate.Limiter {
	if s.LaunchRate <= 0 {
		return nil
	}
	burst := s.LaunchBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.LaunchRate), burst)
}
