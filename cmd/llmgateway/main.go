package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/llm-gateway/internal/api"
	"github.com/felipepmaragno/llm-gateway/internal/auth"
	"github.com/felipepmaragno/llm-gateway/internal/budget"
	"github.com/felipepmaragno/llm-gateway/internal/cache"
	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-gateway/internal/config"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/gateway"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/notifications"
	"github.com/felipepmaragno/llm-gateway/internal/queue"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/registry"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/felipepmaragno/llm-gateway/internal/retry"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/secrets"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
	"github.com/felipepmaragno/llm-gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting LLM Gateway", "addr", cfg.Addr, "version", cfg.Version, "pod", cfg.PodName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "llm-gateway",
		Version:      cfg.Version,
		Exporter:     cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	providers := cfg.Providers
	if cfg.SecretsPrefix != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create secrets manager", "error", err)
			os.Exit(1)
		}
		providers, err = secrets.ResolveProviderCredentials(ctx, store, cfg.SecretsPrefix, providers)
		if err != nil {
			slog.Error("failed to resolve provider credentials", "error", err)
			os.Exit(1)
		}
	}
	if len(providers) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	regOpts := registry.DefaultOptions()
	regOpts.StreamIdleTimeout = cfg.StreamIdleTimeout
	regOpts.Region = cfg.AWSRegion
	regOpts.PoolSize = cfg.AdapterPoolSize
	regOpts.PoolTTL = cfg.AdapterPoolTTL
	reg, err := registry.New(providers, regOpts)
	if err != nil {
		slog.Error("invalid provider configuration", "error", err)
		os.Exit(1)
	}
	for _, p := range reg.Providers() {
		slog.Info("registered provider", "provider", p.Name, "kind", p.Kind, "models", len(p.SupportedModels))
	}
	rt := router.New(reg.Providers())

	var checkers []api.HealthChecker

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
		slog.Info("using redis")
	}

	entitlements, ledger, db, err := setupRepositories(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up repositories", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}
	for _, seed := range cfg.Callers {
		if err := entitlements.Upsert(ctx, seed.Entitlement()); err != nil {
			slog.Error("failed to seed caller", "caller_id", seed.CallerID, "error", err)
			os.Exit(1)
		}
	}

	var notifier notifications.Notifier = notifications.NewInMemoryNotifier()
	if cfg.SNSTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
	}
	dispatcher := notifications.NewDispatcher(notifier)

	var limiter ratelimit.Limiter = ratelimit.NewInMemoryRateLimiter()
	var dedup budget.AlertDeduplicator = budget.NewInMemoryDeduplicator()
	var responseCache cache.Cache
	if cfg.CacheEnabled {
		responseCache = cache.NewLRUCache(cfg.CacheSize, cfg.CacheTTL)
	}
	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithListener(metrics.ObserveBreaker),
		circuitbreaker.WithListener(dispatcher.BreakerTransition),
	}
	if redisClient != nil {
		limiter = ratelimit.NewRedisRateLimiter(redisClient)
		dedup = budget.NewRedisDeduplicator(redisClient, 32*24*time.Hour)
		if cfg.CacheEnabled {
			responseCache = cache.NewRedisCache(redisClient, cfg.CacheTTL)
		}
		if cfg.UseDistributedCircuitBreaker {
			breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(redisClient))
		}
	}

	cbConfig := circuitbreaker.DefaultConfig()
	cbConfig.FailureThreshold = cfg.CircuitFailureThreshold
	cbConfig.OpenTimeout = cfg.CircuitOpenTimeout
	breakers := circuitbreaker.NewManager(cbConfig, breakerOpts...)

	monitor := budget.NewMonitor(budget.DefaultThresholds(), dedup)
	monitor.OnAlert(budget.LogAlertHandler)
	monitor.OnAlert(dispatcher.BudgetAlert)

	gate := auth.NewGate(entitlements, ledger,
		auth.WithRateLimiter(limiter),
		auth.WithBudgetMonitor(monitor),
	)

	var usageQueue queue.Queue = queue.NewInMemoryQueue()
	if cfg.UsageQueueURL != "" {
		usageQueue, err = queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Error("failed to create usage queue", "error", err)
			os.Exit(1)
		}
		slog.Info("using sqs usage queue", "url", cfg.UsageQueueURL)
	}
	replayer := usage.NewReplayer(usageQueue, gate,
		usage.WithInterval(cfg.ReplayInterval),
		usage.WithBatchSize(cfg.ReplayBatchSize),
		usage.WithMaxAttempts(cfg.ReplayMaxAttempts),
	)
	replayCtx, stopReplay := context.WithCancel(ctx)
	replayDone := make(chan struct{})
	go func() {
		defer close(replayDone)
		replayer.Run(replayCtx)
	}()

	svc := gateway.New(gateway.Config{
		Gate:     gate,
		Router:   rt,
		Adapters: reg,
		Retry: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Breakers:       breakers,
		Cache:          responseCache,
		Costs:          cost.NewCalculator(),
		UsageQueue:     usageQueue,
		RequestTimeout: cfg.RequestTimeout,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Service:  svc,
		Usage:    gate,
		Models:   rt,
		Breakers: breakers,
		Checkers: checkers,
		Version:  cfg.Version,
	})

	metrics.InitInstanceMetrics(cfg.PodName, cfg.Version)

	// WriteTimeout stays zero: streamed completions outlive any fixed bound.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stopReplay()
	<-replayDone
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	if err := replayer.Drain(drainCtx); err != nil {
		slog.Warn("usage queue not fully drained", "error", err)
	}
	drainCancel()

	dispatcher.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

// setupRepositories returns Postgres-backed stores when DATABASE_URL is set
// and in-memory ones otherwise.
func setupRepositories(ctx context.Context, cfg *config.Config) (repository.EntitlementRepository, repository.UsageLedger, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		slog.Info("using in-memory repositories")
		return repository.NewInMemoryEntitlementRepository(), repository.NewInMemoryUsageLedger(), nil, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
	} else {
		slog.Warn("ENCRYPTION_KEY not set, provider credentials stored in plaintext")
	}

	slog.Info("using postgres repositories")
	return repository.NewPostgresEntitlementRepository(db, encryptor), repository.NewPostgresUsageLedger(db), db, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
