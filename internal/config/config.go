package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string
	AWSRegion   string
	PodName     string
	Version     string

	// Tracing
	TraceExporter string
	OTLPEndpoint  string

	// Providers, in routing order.
	Providers     []domain.ProviderConfig
	SecretsPrefix string

	// Callers seeded into the entitlement store at startup.
	Callers       []CallerSeed
	EncryptionKey string

	// Dispatch
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	AdapterPoolSize   int
	AdapterPoolTTL    time.Duration

	// Circuit breakers
	UseDistributedCircuitBreaker bool
	CircuitFailureThreshold      int
	CircuitOpenTimeout           time.Duration

	// Response cache
	CacheEnabled bool
	CacheSize    int
	CacheTTL     time.Duration

	// Usage recording and alerts
	UsageQueueURL     string
	SNSTopicARN       string
	ReplayInterval    time.Duration
	ReplayBatchSize   int
	ReplayMaxAttempts int

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:        getEnv("ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
		PodName:     getEnv("POD_NAME", hostname()),
		Version:     getEnv("VERSION", "dev"),

		TraceExporter: getEnv("TRACE_EXPORTER", "none"),
		OTLPEndpoint:  getEnv("OTLP_ENDPOINT", ""),

		SecretsPrefix: getEnv("SECRETS_PREFIX", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		RequestTimeout:    getDurationEnv("REQUEST_TIMEOUT", 30*time.Second),
		StreamIdleTimeout: getDurationEnv("STREAM_IDLE_TIMEOUT", 60*time.Second),
		MaxAttempts:       getIntEnv("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:    getDurationEnv("RETRY_BASE_DELAY", 4*time.Second),
		RetryMaxDelay:     getDurationEnv("RETRY_MAX_DELAY", 10*time.Second),
		AdapterPoolSize:   getIntEnv("ADAPTER_POOL_SIZE", 256),
		AdapterPoolTTL:    getDurationEnv("ADAPTER_POOL_TTL", 30*time.Minute),

		UseDistributedCircuitBreaker: getBoolEnv("USE_DISTRIBUTED_CB", false),
		CircuitFailureThreshold:      getIntEnv("CB_FAILURE_THRESHOLD", 5),
		CircuitOpenTimeout:           getDurationEnv("CB_OPEN_TIMEOUT", 30*time.Second),

		CacheEnabled: getBoolEnv("CACHE_ENABLED", true),
		CacheSize:    getIntEnv("CACHE_SIZE", 1024),
		CacheTTL:     getDurationEnv("CACHE_TTL", 10*time.Minute),

		UsageQueueURL:     getEnv("USAGE_QUEUE_URL", ""),
		SNSTopicARN:       getEnv("SNS_TOPIC_ARN", ""),
		ReplayInterval:    getDurationEnv("USAGE_REPLAY_INTERVAL", 30*time.Second),
		ReplayBatchSize:   getIntEnv("USAGE_REPLAY_BATCH", 10),
		ReplayMaxAttempts: getIntEnv("USAGE_REPLAY_MAX_ATTEMPTS", 5),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:    getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	providers, err := loadProviders()
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers

	callers, err := loadCallers()
	if err != nil {
		return nil, err
	}
	cfg.Callers = callers

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}

	return cfg, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("30") or a Go duration ("1m30s").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated value, dropping blanks. It returns
// nil when the variable is unset.
func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
