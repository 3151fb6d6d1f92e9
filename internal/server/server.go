// Package server runs a service: signals, config, observability, the HTTP
// listener with /healthz, and an ordered graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/felipealfah/leasepool/internal/config"
	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/observability"
)

const serviceVersion = "0.1.0"

// SetupDeps is what a service receives to build its components.
type SetupDeps struct {
	Config *config.Config
	Logger *slog.Logger
	Router chi.Router
}

// Params configures Run.
type Params struct {
	Name string

	// PortFromConfig picks the listen port out of the loaded config.
	PortFromConfig func(cfg *config.Config) int

	// Setup builds the service's components and mounts its routes. The
	// returned cleanup runs after the HTTP server has drained. Optional.
	Setup func(ctx context.Context, deps SetupDeps) (cleanup func(context.Context) error, err error)
}

// lifecycle holds what shutdown has to unwind, in reverse start order.
type lifecycle struct {
	logger    *slog.Logger
	telemetry *observability.Telemetry
	cleanup   func(context.Context) error
	draining  atomic.Bool
}

func (l *lifecycle) flushTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
	defer cancel()
	if err := l.telemetry.Shutdown(ctx); err != nil {
		l.logger.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
	}
}

// shutdown marks the service unhealthy, waits for the load balancer to
// notice, drains HTTP, releases components and flushes telemetry.
func (l *lifecycle) shutdown(srv *http.Server) {
	l.draining.Store(true)
	time.Sleep(domain.ShutdownDrainDelay)

	httpCtx, httpCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		l.logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
	defer cleanupCancel()
	if err := l.cleanup(cleanupCtx); err != nil {
		l.logger.Error("service cleanup error", slog.String("error", err.Error()))
	}

	l.flushTelemetry()
}

// Run executes the service until ctx ends or SIGTERM/SIGINT arrives. A
// non-nil ln is served instead of listening on the configured port.
func Run(ctx context.Context, p Params, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	serviceName := p.Name
	if cfg.OTEL.ServiceName != "" {
		serviceName = cfg.OTEL.ServiceName
	}
	telemetry, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	lc := &lifecycle{
		logger:    logger,
		telemetry: telemetry,
		cleanup:   func(context.Context) error { return nil },
	}
	router := newRouter(p.Name, logger, &lc.draining)

	if p.Setup != nil {
		cleanup, err := p.Setup(ctx, SetupDeps{Config: cfg, Logger: logger, Router: router})
		if err != nil {
			lc.flushTelemetry()
			return fmt.Errorf("setup %s: %w", p.Name, err)
		}
		if cleanup != nil {
			lc.cleanup = cleanup
		}
	}

	if ln == nil {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			_ = lc.cleanup(context.Background())
			lc.flushTelemetry()
			return fmt.Errorf("listen: %w", err)
		}
	}

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", ln.Addr().String()),
			slog.String("environment", cfg.Environment),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")
		lc.shutdown(srv)
		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
