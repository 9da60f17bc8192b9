package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/logic/internal/config"
	"github.com/ehr/logic/internal/domain/ruledef"
	"github.com/ehr/logic/internal/logic"
	"github.com/ehr/logic/internal/platform/auth"
	"github.com/ehr/logic/internal/platform/db"
	"github.com/ehr/logic/internal/platform/metrics"
	"github.com/ehr/logic/internal/platform/middleware"
	"github.com/ehr/logic/internal/platform/tracing"
	"github.com/ehr/logic/internal/platform/websocket"
)

const version = "0.1.0"

// cohortPaths accept larger request bodies.
var cohortPaths = []string{"/api/v1/logic/eval/cohort", "/api/v1/rules/import"}

const eventsPath = "/api/v1/logic/events"

type routerDeps struct {
	cfg     *config.Config
	logger  zerolog.Logger
	engine  *logic.Service
	rules   *ruledef.Service
	stream  *websocket.Hub
	metrics *metrics.Metrics
	pinger  db.Pinger
}

func newRouter(d routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(d.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", "10M", cohortPaths...))

	// The evaluator enforces EVAL_TIMEOUT itself; the request bound only
	// catches handlers stuck outside it.
	if d.cfg.EvalTimeout > 0 {
		e.Use(middleware.RequestTimeout(d.cfg.EvalTimeout+5*time.Second, "/metrics", "/health", cohortPaths[0], eventsPath))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.cfg.RuleStore, d.pinger))
	e.GET("/metrics", echo.WrapHandler(d.metrics.Handler()))

	jwtCfg := auth.JWTConfig{
		Issuer:     d.cfg.AuthIssuer,
		SigningKey: []byte(d.cfg.AuthSigningKey),
	}
	apiV1 := e.Group("/api/v1")
	if d.cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}

	logic.NewHandler(d.engine).RegisterRoutes(apiV1)
	ruledef.NewHandler(d.rules).RegisterRoutes(apiV1)
	websocket.NewHandler(d.stream, d.cfg.CORSOrigins).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))

	// Config
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}

	a, err := openApp(ctx, cfg, logger, appOptions{shared: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start logic engine")
	}
	defer a.Close()

	if err := a.rules.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to registry events")
	}

	e := newRouter(routerDeps{
		cfg:     cfg,
		logger:  logger,
		engine:  a.engine,
		rules:   a.rules,
		stream:  a.stream,
		metrics: a.metrics,
		pinger:  a.pinger(),
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("rule_store", cfg.RuleStore).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
