// The coordinator binary serves the Canvas64 multiplayer backend on one
// port: session lifecycle REST, the WebSocket relay, the cloud-save and
// auth passthrough, health probes, and Prometheus metrics.
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
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/retroden/canvas64/backend/go/internal/v1/auth"
	"github.com/retroden/canvas64/backend/go/internal/v1/config"
	"github.com/retroden/canvas64/backend/go/internal/v1/health"
	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/middleware"
	"github.com/retroden/canvas64/backend/go/internal/v1/ratelimit"
	"github.com/retroden/canvas64/backend/go/internal/v1/rest"
	"github.com/retroden/canvas64/backend/go/internal/v1/session"
	"github.com/retroden/canvas64/backend/go/internal/v1/tracing"
	"github.com/retroden/canvas64/backend/go/internal/v1/transport"
	"github.com/retroden/canvas64/backend/go/pkg/retroapi"
)

func main() {
	// .env is a local-development convenience; deployments set the real
	// environment. Try the usual paths relative to repo root and binary.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := ""
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = path
			break
		}
	}

	development := os.Getenv("ENVIRONMENT") != "production"
	if err := logging.Initialize(development); err != nil {
		panic(err)
	}

	ctx := context.Background()
	if envLoaded != "" {
		logging.Info(ctx, "Loaded environment file", zap.String("path", envLoaded))
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "Environment validation failed", zap.Error(err))
	}

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Tracing is optional: no collector endpoint, no tracer.
	tracerProvider, err := tracing.Init(ctx)
	if err != nil {
		logging.Fatal(ctx, "Failed to initialize tracing", zap.Error(err))
	}

	// Optional shared Redis so rate-limit budgets span replicas. A dead
	// Redis at boot degrades to per-process memory stores instead of
	// refusing to start.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logging.Warn(ctx, "Redis unreachable, using in-memory rate limiting", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiters", zap.Error(err))
	}

	registry := session.NewRegistry(cfg)
	endpoint := transport.NewEndpoint(registry, cfg, limiter)

	// Save-sync token gate: JWKS validation in deployment, the mock under
	// SKIP_AUTH, ungated when no issuer is configured.
	var validator auth.TokenValidator
	switch {
	case cfg.SkipAuth:
		logging.Warn(ctx, "SKIP_AUTH enabled, save-sync tokens are not verified")
		validator = &auth.MockValidator{}
	case cfg.AuthDomain != "" && cfg.AuthAudience != "":
		v, err := auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
		}
		validator = v
		logging.Info(ctx, "Auth validator initialized",
			zap.String("domain", cfg.AuthDomain),
			zap.String("audience", cfg.AuthAudience))
	default:
		logging.Info(ctx, "No AUTH_DOMAIN configured, save-sync passthrough is ungated")
	}

	var upstream *retroapi.Client
	if cfg.RetroAPIOrigin != "" {
		upstream = retroapi.New(cfg.RetroAPIOrigin)
		logging.Info(ctx, "Upstream passthrough enabled", zap.String("origin", cfg.RetroAPIOrigin))
	}

	api := rest.NewHandler(registry, upstream, validator)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = transport.ParseOrigins(cfg.AllowedOrigins)
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXRequestID)
	router.Use(cors.New(corsConfig))

	if tracerProvider != nil {
		router.Use(otelgin.Middleware(tracing.ServiceName))
	}
	router.Use(middleware.RequestMetrics())

	// REST rides behind the global IP budget and the wall-clock deadline;
	// create and join carry their own tighter budgets on top.
	apiGroup := router.Group("/api", limiter.GlobalMiddleware(), middleware.Deadline(cfg.RequestTimeout))
	{
		sessions := apiGroup.Group("/multiplayer/sessions")
		sessions.POST("", limiter.CreateMiddleware(), api.CreateSession)
		sessions.GET("/:code", api.GetSession)
		sessions.POST("/:code/join", limiter.JoinMiddleware(), api.JoinSession)
		sessions.POST("/:code/close", api.CloseSession)
		sessions.POST("/:code/kick", api.KickMember)

		if upstream != nil {
			apiGroup.Any("/saves/*path", api.ProxySaves)
			apiGroup.Any("/auth/*path", api.ProxyAuth)
		}
	}

	// The attach endpoint rate-limits itself before spending an upgrade.
	router.GET("/ws/multiplayer", endpoint.ServeWS)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var breaker health.BreakerStater
	if upstream != nil {
		breaker = upstream
	}
	healthHandler := health.NewHandler(registry, redisClient, breaker)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Coordinator listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Closing sessions first pushes session_closed to every attached
	// socket while the server can still flush it.
	registry.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "Tracer shutdown failed", zap.Error(err))
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logging.Info(ctx, "Coordinator exited")
}
