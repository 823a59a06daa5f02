package main

import (
	"context"
	"log/slog"
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

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/auth"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/config"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/health"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/middleware"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/ratelimit"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/store"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/tracing"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/transport"
)

const serviceName = "whiteboard-realtime"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Structured logging comes up before anything else touches the logger
	development := os.Getenv("GO_ENV") == "development" || os.Getenv("DEVELOPMENT_MODE") == "true"
	if err := logging.Initialize(development); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	// Enabled when an OTLP collector endpoint is configured
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(context.Background(), serviceName, cfg.GoEnv, cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(ctx); err != nil {
					slog.Error("Failed to shut down tracer provider", "error", err)
				}
			}()
			slog.Info("✅ OpenTelemetry tracing initialized", "endpoint", cfg.OTLPEndpoint)
		}
	}

	// --- Token Validator ---
	// Nil validator means anonymous sessions: no token is required and
	// display names come from the username query parameter.
	var validator transport.TokenValidator
	switch {
	case cfg.SkipAuth:
		slog.Warn("⚠️ Authentication DISABLED - sessions are anonymous")
	case cfg.Auth0Domain == "" || cfg.Auth0Audience == "":
		if !cfg.DevelopmentMode {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set in environment when SKIP_AUTH=false")
			os.Exit(1)
		}
		slog.Warn("⚠️ Development Mode: Auth0 credentials missing. Using the mock validator.")
		validator = &auth.MockValidator{}
	default:
		authValidator, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		validator = authValidator
		slog.Info("✅ Auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
	}

	// --- Redis (Optional) ---
	// Backs the distributed rate limiter and the readiness probe
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis, falling back to in-memory rate limiting", "error", err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			slog.Info("✅ Redis connected", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Document Store, Hub, Saver ---
	st := store.NewHTTPStore(cfg.StoreURL, cfg.LoadTimeout, cfg.SaveTimeout)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := transport.NewHub(transport.Config{
		Validator:      validator,
		Store:          st,
		RateLimiter:    rateLimiter,
		AllowedOrigins: allowedOrigins,
		HistoryMax:     cfg.HistoryMax,
		SendQueueSize:  cfg.SendQueueSize,
		DevMode:        cfg.DevelopmentMode,
	})

	saver := store.NewSaver(st, hub, cfg.SaveInterval)
	hub.SetSaver(saver)
	saver.Start()

	// --- Set up Server ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OTLPEndpoint != "" {
		router.Use(otelgin.Middleware(serviceName))
	}

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(hub, st, redisClient)
	router.GET("/health", healthHandler.Summary)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	// Internal routes for the document store collaborator
	internal := router.Group("/internal/v1", middleware.InternalAuth(cfg.InternalAPIToken))
	{
		internal.POST("/rooms/:roomId/deleted", hub.HandleRoomDeleted)
	}

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Whiteboard realtime server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close all rooms and WebSocket connections. Rooms stay registered so the
	// saver's final flush below still sees their dirty snapshots.
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Flush dirty rooms one last time before the process exits
	if err := saver.Stop(ctx); err != nil {
		slog.Error("Final snapshot flush did not complete", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close Redis connection if it was initialized
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}

	_ = logging.GetLogger().Sync()
	slog.Info("Server exiting")
}
