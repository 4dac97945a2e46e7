package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/auth"
	"github.com/meshconf/signaling/internal/v1/bus"
	"github.com/meshconf/signaling/internal/v1/config"
	"github.com/meshconf/signaling/internal/v1/health"
	"github.com/meshconf/signaling/internal/v1/hub"
	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/middleware"
	"github.com/meshconf/signaling/internal/v1/ratelimit"
	"github.com/meshconf/signaling/internal/v1/tracing"
)

func main() {
	// .env for local development; deployed environments set real variables.
	for _, path := range []string{".env.local", ".env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	if err := logging.Initialize(os.Getenv("ENVIRONMENT") == "development"); err != nil {
		panic(err)
	}

	ctx := context.Background()

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "environment validation failed", zap.Error(err))
	}

	if cfg.OTelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "signaling-hub", cfg.OTelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled, collector unreachable", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	var validator hub.TokenValidator
	switch {
	case cfg.AuthDomain != "":
		v, err := auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "failed to create auth validator", zap.Error(err))
		}
		validator = v
		logging.Info(ctx, "token validator initialized", zap.String("domain", cfg.AuthDomain))
	case cfg.Development:
		validator = &auth.InsecureValidator{}
		logging.Warn(ctx, "token verification disabled, development mode only")
	default:
		logging.Info(ctx, "no auth configured, all connections are anonymous")
	}

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "redis unavailable, running in single-instance mode", zap.Error(err))
			busService = nil
		}
	} else {
		logging.Info(ctx, "running in single-instance mode")
	}

	h := hub.New(cfg, validator, busService)

	supCtx, stopSupervisor := context.WithCancel(ctx)
	defer stopSupervisor()
	go h.RunSupervisor(supCtx)

	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to create rate limiter", zap.Error(err))
	}

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID())
	if cfg.OTelCollectorAddr != "" {
		router.Use(otelgin.Middleware("signaling-hub"))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOrigins
	corsCfg.AllowCredentials = false // no cookie carriage on the signaling surface
	router.Use(cors.New(corsCfg))

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", limiter.ConnectMiddleware(), h.ServeWs)
		v1.POST("/poll", limiter.ConnectMiddleware(), h.ServePoll)
		v1.GET("/poll", h.ServePollDrain)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signaling hub listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Port already bound, or the listener died underneath us.
			logging.Error(ctx, "listener failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2, syscall.SIGHUP)

	select {
	case sig := <-quit:
		logging.Info(ctx, "shutdown signal received", zap.String("signal", sig.String()))
	case err := <-h.Fatal():
		// Give any competing handler a moment before tearing down.
		logging.Error(ctx, "fatal engine error", zap.Error(err))
		time.Sleep(1 * time.Second)
	}

	// If the graceful path wedges, die loudly rather than hang the deploy.
	hard := time.AfterFunc(hub.ShutdownHardDeadline, func() {
		logging.Error(ctx, "graceful shutdown missed the hard deadline, exiting")
		os.Exit(1)
	})
	defer hard.Stop()

	healthHandler.SetDraining()
	h.Shutdown(ctx)
	stopSupervisor()

	srvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(srvCtx); err != nil {
		logging.Error(ctx, "http server shutdown failed", zap.Error(err))
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "failed to close redis connection", zap.Error(err))
		}
	}

	logging.Info(ctx, "signaling hub stopped")
}
