package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/callpilot/callpilot/libs/auth"
	"github.com/callpilot/callpilot/libs/grpcx"
	"github.com/callpilot/callpilot/libs/httpx"
	otelx "github.com/callpilot/callpilot/libs/otel"
	"github.com/callpilot/callpilot/libs/runtime"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/appconfig"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/handlers"
)

const (
	healthService  = "calendar"
	healthInterval = 30 * time.Second
	jwksTTL        = 10 * time.Minute
	shutdownGrace  = 10 * time.Second
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the gRPC health endpoint and the reminder worker.",
		Action: func(c *cli.Context) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.ServiceName)

			ctx, stop := runtime.SignalContext()
			defer stop()

			otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
			if err != nil {
				logger.Error("otel setup failed", "err", err)
			} else {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = otelShutdown(shutdownCtx)
				}()
			}

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	bg := a.startBackground(ctx)

	verifier := &auth.Verifier{Secret: cfg.JWTSecret}
	if cfg.JWKSURL != "" {
		verifier.JWKS = auth.NewJWKSClient(cfg.JWKSURL, jwksTTL)
	}
	if !verifier.Enabled() {
		logger.Warn("JWT_SECRET and AUTH_JWKS_URL not set; api is unauthenticated")
	}

	deps := handlers.Deps{
		Availability: a.availability,
		Booking:      a.booking,
		Lifecycle:    a.lifecycle,
		Owner:        a.owner,
		Verifier:     verifier,
		Location:     cfg.Location,
		FrontendURL:  cfg.FrontendURL,
		Logger:       logger,
	}
	if cfg.RemindersEnabled {
		deps.Reminders = a.worker
	}
	if a.tokens != nil {
		deps.CalendarAuth = a.tokens
	}
	api := handlers.New(deps)

	mux := runtime.NewBaseMuxWithReady(a.readyChecks()...)
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/", api.Routes())

	limiter := httpx.NewRateLimiter(cfg.RateLimit, time.Minute).Middleware()
	if a.rdb != nil {
		limiter = httpx.NewRedisRateLimiter(a.rdb, cfg.RateLimit, time.Minute, "callpilot:rl").Middleware(logger, true)
	}
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
			MaxAge:         10 * time.Minute,
		}),
		limiter,
		httpx.WithBodyLimit(cfg.MaxBodyBytes),
		httpx.WithTimeout(cfg.RequestTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")

	if cfg.GRPCPort != "off" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		srv := grpcx.NewServer()
		hs := grpcx.RegisterHealth(srv)
		go a.watchHealth(ctx, hs)
		grpcx.Serve(ctx, logger, srv, lis)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "calendar", cfg.CalendarProvider, "timezone", cfg.Location.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		logger.Error("http server error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	bg.drain(logger, shutdownGrace)
	logger.Info("http server stopped")
	return runErr
}

// watchHealth reports SERVING only while the calendar is connected.
func (a *app) watchHealth(ctx context.Context, hs *health.Server) {
	set := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if a.tokens != nil {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := a.tokens.ReadyCheck(checkCtx)
			cancel()
			if err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(healthService, status)
	}

	set()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			set()
		}
	}
}

// background holds the reminder worker and the event publisher. The
// publisher has its own context so it keeps draining while a final
// reminder pass emits events.
type background struct {
	workerDone    chan struct{}
	workerBudget  time.Duration
	published     chan struct{}
	stopPublisher context.CancelFunc
}

// startBackground stops the worker when ctx is done. The publisher runs
// until drain.
func (a *app) startBackground(ctx context.Context) *background {
	pubCtx, stopPublisher := context.WithCancel(context.WithoutCancel(ctx))
	bg := &background{
		workerDone:    make(chan struct{}),
		published:     make(chan struct{}),
		stopPublisher: stopPublisher,
	}
	if a.publisher != nil {
		go func() {
			defer close(bg.published)
			a.publisher.Run(pubCtx)
		}()
	} else {
		close(bg.published)
	}
	if a.cfg.RemindersEnabled && a.worker != nil {
		bg.workerBudget = a.worker.TickTimeout()
		go func() {
			defer close(bg.workerDone)
			a.worker.Run(ctx)
		}()
	} else {
		a.logger.Info("reminder worker disabled")
		close(bg.workerDone)
	}
	return bg
}

// drain waits for an in-flight reminder pass, which may take up to the
// worker's tick timeout, then stops the publisher and waits for its flush.
func (bg *background) drain(logger *slog.Logger, grace time.Duration) {
	waitFor(logger, "reminder worker", bg.workerDone, bg.workerBudget+grace)
	bg.stopPublisher()
	waitFor(logger, "event publisher", bg.published, grace)
}

func waitFor(logger *slog.Logger, name string, done <-chan struct{}, budget time.Duration) {
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn("shutdown timed out", "component", name, "waited", budget)
	}
}
