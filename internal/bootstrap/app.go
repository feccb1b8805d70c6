// Package bootstrap assembles the engine process: configuration, logging,
// telemetry, the gateway and the HTTP endpoints
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/infrastructure/health"
	"trade_engine/internal/infrastructure/metrics"
	"trade_engine/internal/trading/orchestrator"
	"trade_engine/pkg/logging"
	"trade_engine/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// ServiceName identifies the process in telemetry
const ServiceName = "bq"

// Version is stamped at build time with -ldflags "-X trade_engine/internal/bootstrap.Version=..."
var Version = "dev"

// App represents the application context and holds core dependencies.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	zap       *logging.ZapLogger
	telemetry *telemetry.Telemetry
	sinks     []io.Closer
}

// NewApp loads the configuration file and bootstraps all dependencies.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return NewAppFromConfig(cfg)
}

// NewAppFromConfig bootstraps from an already validated configuration
func NewAppFromConfig(cfg *config.Config) (*App, error) {
	app := &App{Cfg: cfg}

	// the log bridge binds to the provider installed here, so telemetry goes first
	if cfg.Telemetry.EnableMetrics {
		if err := app.initTelemetry(); err != nil {
			_ = app.Close(context.Background())
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	app.zap = logger
	app.Logger = logger
	return app, nil
}

func (a *App) initTelemetry() error {
	mode := "live"
	if a.Cfg.Engine.Paper {
		mode = "paper"
	}
	opts := telemetry.Options{
		ServiceName: ServiceName,
		Version:     Version,
		Attributes:  map[string]string{"engine.mode": mode},
	}

	var err error
	if opts.TraceWriter, err = a.openSink(a.Cfg.Telemetry.TraceOutput); err != nil {
		return err
	}
	if opts.LogWriter, err = a.openSink(a.Cfg.Telemetry.LogOutput); err != nil {
		return err
	}

	tel, err := telemetry.Setup(opts)
	if err != nil {
		return err
	}
	a.telemetry = tel
	return nil
}

// openSink resolves a telemetry output setting. Files are appended to and
// closed with the app.
func (a *App) openSink(target string) (io.Writer, error) {
	switch target {
	case "":
		return nil, nil
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry output: %w", err)
	}
	a.sinks = append(a.sinks, f)
	return f, nil
}

// InitLogger creates the process logger and installs it globally
func InitLogger(cfg *config.Config) (*logging.ZapLogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Engine builds the orchestrator on gateway plus the health and metrics endpoints,
// and returns everything that has to run
func (a *App) Engine(gateway core.IGateway) (*orchestrator.Orchestrator, []Runner, error) {
	o, err := orchestrator.New(a.Cfg, gateway, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	runners := []Runner{o}

	if a.Cfg.Telemetry.EnableMetrics {
		hm := health.NewHealthManager(a.Logger)
		hm.Register("engine", o.Health)
		srv := metrics.NewServer(a.Cfg.Telemetry.MetricsPort, hm, func() any { return o.Status() }, a.Logger)
		runners = append(runners, srv)
	}
	return o, runners, nil
}

// Run starts every runner and blocks until SIGINT/SIGTERM, ctx cancellation or
// the first runner failure
func (a *App) Run(ctx context.Context, runners ...Runner) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "runners", len(runners))
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Close flushes telemetry and the logger
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.zap != nil {
		// syncing a terminal stdout fails on some platforms; nothing is lost
		_ = a.zap.Sync()
	}
	for _, c := range a.sinks {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.sinks = nil
	return errors.Join(errs...)
}
