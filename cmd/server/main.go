// Command server starts the chunkstream upload HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chunkstream/internal/api"
	"chunkstream/internal/catalog"
	"chunkstream/internal/observability/logging"
	"chunkstream/internal/observability/metrics"
	"chunkstream/internal/server"
	"chunkstream/internal/upload"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	workDir := flag.String("work-dir", "", "directory holding in-flight .part files")
	publicDir := flag.String("public-dir", "", "directory receiving finished artifacts")
	maxPendingBytes := flag.Int64("max-pending-bytes", 0, "per-session out-of-order buffer budget in bytes")
	maxChunkBytes := flag.Int64("max-chunk-bytes", 0, "maximum size of a single uploaded chunk in bytes")

	catalogDriver := flag.String("catalog-driver", "", "artifact catalog driver (json or postgres)")
	catalogPath := flag.String("catalog-path", "", "path to the JSON catalog file")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the catalog")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout for Postgres catalog operations")

	stateDriver := flag.String("state-store", "", "session state store driver (memory or redis)")
	redisURL := flag.String("state-redis-url", "", "Redis URL for the session state store (e.g. redis://127.0.0.1:6379/0)")
	redisStateTTL := flag.Duration("state-redis-ttl", 0, "expiry applied to mirrored session state in Redis")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	chunkLimit := flag.Int("rate-chunk-limit", 0, "maximum chunk uploads per window for a single IP")
	chunkWindow := flag.Duration("rate-chunk-window", 0, "window for counting chunk uploads")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed chunk throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed chunk throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")

	allowedOrigins := flag.String("cors-allowed-origins", "", "comma separated origins allowed to call the API")

	idleTimeout := flag.Duration("session-idle-timeout", 0, "idle duration after which an upload session is reaped")
	reapInterval := flag.Duration("session-reap-interval", 0, "interval between idle-session sweeps")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CHUNKSTREAM_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CHUNKSTREAM_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("CHUNKSTREAM_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("CHUNKSTREAM_ADDR"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("CHUNKSTREAM_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	driver, err := resolveCatalogDriver(*catalogDriver, os.Getenv("CHUNKSTREAM_CATALOG_DRIVER"), dsn)
	if err != nil {
		logger.Error("failed to resolve catalog driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionCatalog(driver, dsn); err != nil {
			logger.Error("production catalog validation failed", "error", err)
			os.Exit(1)
		}
	}

	var (
		repo          catalog.Repository
		catalogCloser func(context.Context) error
	)
	switch driver {
	case "json":
		repo, err = catalog.NewJSONRepository(resolveCatalogPath(*catalogPath, os.Getenv("CHUNKSTREAM_CATALOG_PATH")))
	case "postgres":
		var opts []catalog.PostgresOption
		if timeout := resolveDuration(*postgresAcquireTimeout, "CHUNKSTREAM_POSTGRES_ACQUIRE_TIMEOUT", 0); timeout > 0 {
			opts = append(opts, catalog.WithAcquireTimeout(timeout))
		}
		var pgRepo *catalog.PostgresRepository
		pgRepo, err = catalog.NewPostgresRepository(dsn, opts...)
		if err == nil {
			repo = pgRepo
			catalogCloser = pgRepo.Close
		}
	default:
		logger.Error("unsupported catalog driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open artifact catalog", "error", err, "driver", driver)
		os.Exit(1)
	}

	stateURL := firstNonEmpty(*redisURL, os.Getenv("CHUNKSTREAM_STATE_REDIS_URL"))
	stateName := resolveStateDriver(*stateDriver, os.Getenv("CHUNKSTREAM_STATE_STORE"), stateURL)

	var (
		state       upload.StateStore
		stateCloser func() error
	)
	switch stateName {
	case "memory":
		state = upload.NewMemoryStateStore()
	case "redis":
		if stateURL == "" {
			logger.Error("redis state store selected without a URL")
			os.Exit(1)
		}
		ttl := resolveDuration(*redisStateTTL, "CHUNKSTREAM_STATE_REDIS_TTL", 24*time.Hour)
		redisState, err := upload.NewRedisStateStore(ctx, stateURL, ttl)
		if err != nil {
			logger.Error("failed to connect session state store", "error", err)
			os.Exit(1)
		}
		state = redisState
		stateCloser = redisState.Close
	default:
		logger.Error("unsupported state store driver", "driver", stateName)
		os.Exit(1)
	}

	registry, err := upload.NewRegistry(upload.Config{
		WorkDir:         resolveDir(*workDir, "CHUNKSTREAM_WORK_DIR", "data/work"),
		PublicDir:       resolveDir(*publicDir, "CHUNKSTREAM_PUBLIC_DIR", "data/uploads"),
		MaxPendingBytes: resolveInt64(*maxPendingBytes, "CHUNKSTREAM_MAX_PENDING_BYTES"),
		State:           state,
		Catalog:         repo,
		Logger:          logging.WithComponent(logger, "uploads"),
		Metrics:         recorder,
	})
	if err != nil {
		logger.Error("failed to initialise upload registry", "error", err)
		os.Exit(1)
	}
	if err := registry.Recover(ctx); err != nil {
		logger.Warn("session recovery incomplete", "error", err)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Uploads:       registry,
		Catalog:       repo,
		Logger:        logging.WithComponent(logger, "api"),
		MaxChunkBytes: resolveInt64(*maxChunkBytes, "CHUNKSTREAM_MAX_CHUNK_BYTES"),
	})

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CHUNKSTREAM_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CHUNKSTREAM_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "CHUNKSTREAM_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "CHUNKSTREAM_RATE_GLOBAL_BURST"),
			ChunkLimit:    resolveInt(*chunkLimit, "CHUNKSTREAM_RATE_CHUNK_LIMIT"),
			ChunkWindow:   resolveDuration(*chunkWindow, "CHUNKSTREAM_RATE_CHUNK_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("CHUNKSTREAM_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("CHUNKSTREAM_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "CHUNKSTREAM_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("CHUNKSTREAM_CORS_ALLOWED_ORIGINS"))),
		},
		Logger:    logger,
		Metrics:   recorder,
		PublicDir: resolveDir(*publicDir, "CHUNKSTREAM_PUBLIC_DIR", "data/uploads"),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	reapStop := startSessionReaper(ctx, logging.WithComponent(logger, "reaper"), registry,
		resolveDuration(*reapInterval, "CHUNKSTREAM_SESSION_REAP_INTERVAL", 5*time.Minute),
		resolveDuration(*idleTimeout, "CHUNKSTREAM_SESSION_IDLE_TIMEOUT", time.Hour),
	)
	defer reapStop()

	logger.Info("chunkstream API listening", "addr", listenAddr, "mode", serverMode)
	logger.Info("metrics endpoint available", "path", "/metrics")
	if err := srv.Run(ctx, nil); err != nil {
		logger.Error("server error", "error", err)
	}

	reapStop()

	if err := registry.Close(); err != nil {
		logger.Warn("failed to close upload registry", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if catalogCloser != nil {
		if err := catalogCloser(closeCtx); err != nil {
			logger.Warn("failed to close artifact catalog", "error", err)
		}
	}
	if stateCloser != nil {
		if err := stateCloser(); err != nil {
			logger.Warn("failed to close session state store", "error", err)
		}
	}

	logger.Info("server stopped")
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		if mode == "production" {
			return ":80"
		}
		return ":8080"
	}
	return listenAddr
}

func resolveCatalogDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func validateProductionCatalog(driver, dsn string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres catalog driver, got %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("postgres catalog selected without DSN")
	}
	return nil
}

func resolveStateDriver(flagValue, envValue, redisURL string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(redisURL) != "" {
		return "redis"
	}
	return "memory"
}

func resolveCatalogPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/catalog.json"
}

func resolveDir(flagValue, envKey, fallback string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		return env
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
