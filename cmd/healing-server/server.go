package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/maxillocare/healing/internal/config"
	"github.com/maxillocare/healing/internal/domain/healing"
	"github.com/maxillocare/healing/internal/platform/auth"
	"github.com/maxillocare/healing/internal/platform/db"
	"github.com/maxillocare/healing/internal/platform/events"
	"github.com/maxillocare/healing/internal/platform/imagestore"
	"github.com/maxillocare/healing/internal/platform/middleware"
	"github.com/maxillocare/healing/internal/platform/telemetry"
	"github.com/maxillocare/healing/internal/platform/vision"
)

const (
	serviceName      = "healing-server"
	metricsNamespace = "healing"
	version          = "0.1.0"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	tp, err := telemetry.InitTracer(ctx, tracingConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown")
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	domainMetrics := telemetry.NewCollector(reg, metricsNamespace)
	httpMetrics := middleware.NewHTTPMetrics(reg, metricsNamespace)

	store, err := newImageStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init image storage")
	}
	logger.Info().Str("backend", cfg.StorageBackend).Msg("image storage ready")

	publisher := newPublisher(cfg)
	defer publisher.Close()

	svc := healing.NewService(healing.NewImageRepoPG(pool), healing.NewPatientRepoPG(pool), store, logger)
	svc.SetVisionTimeout(cfg.VisionTimeout)
	svc.SetMetrics(domainMetrics)
	svc.SetPublisher(publisher)

	vc, err := newVisionClient(cfg, store, logger)
	switch {
	case errors.Is(err, vision.ErrNotConfigured):
		logger.Warn().Msg("GEMINI_API_KEY not set: AI analysis requests will answer 503")
	case err != nil:
		logger.Fatal().Err(err).Msg("failed to init vision client")
	default:
		svc.SetVisionClient(vc)
		logger.Info().Str("model", cfg.GeminiModel).Msg("vision client ready")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(httpMetrics))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "25M"))
	e.Use(middleware.RequestTimeout(requestTimeout(cfg)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":          "ok",
			"version":         version,
			"vision_enabled":  svc.VisionAvailable(),
			"storage_backend": cfg.StorageBackend,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(telemetry.MetricsHandler(reg)))

	apiV1 := e.Group("/api/v1", authMiddleware(cfg))
	healing.NewHandler(svc).RegisterRoutes(apiV1, middleware.RateLimit(analyzeRateLimit(cfg)))

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// tracingConfig exports over TLS only in production.
func tracingConfig(cfg *config.Config) telemetry.TracingConfig {
	return telemetry.TracingConfig{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  serviceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TraceSampleRate,
		Insecure:     !cfg.IsProduction(),
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// requestTimeout leaves headroom over the vision call for the commit.
func requestTimeout(cfg *config.Config) time.Duration {
	return cfg.VisionTimeout + 30*time.Second
}

func analyzeRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.AnalyzeRateLimitRPS,
		BurstSize:         cfg.AnalyzeRateLimitBurst,
		KeyFunc:           middleware.UserOrIPKey,
	}
	if rl.RequestsPerSecond <= 0 {
		def := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond, rl.BurstSize = def.RequestsPerSecond, def.BurstSize
	}
	if rl.BurstSize <= 0 {
		rl.BurstSize = 1
	}
	return rl
}

func newImageStore(ctx context.Context, cfg *config.Config) (imagestore.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		return imagestore.NewS3Store(ctx, imagestore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	case "local", "":
		return imagestore.NewLocalStore(cfg.UploadDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func newPublisher(cfg *config.Config) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Noop{}
	}
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAnalysisTopic)
}

// newVisionClient returns vision.ErrNotConfigured when no API key is set.
func newVisionClient(cfg *config.Config, store imagestore.Store, logger zerolog.Logger) (vision.Client, error) {
	if !cfg.VisionConfigured() {
		return nil, vision.ErrNotConfigured
	}
	c, err := vision.NewGeminiClient(vision.GeminiConfig{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
	}, store, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}
