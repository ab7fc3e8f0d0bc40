package config

import (
	"time"

	"github.com/joho/godotenv"
)

// PlatformEndpoint is the env-level fallback for a platform's connection details.
// When AWS Secrets Manager is enabled these values are replaced at runtime.
type PlatformEndpoint struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
}

// Config holds the runtime configuration for the sync coordinator.
type Config struct {
	ServiceName string
	Env         string
	LogLevel    string

	Port             int
	OpsPort          int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int

	Portal  PlatformEndpoint
	Trading PlatformEndpoint
	Support PlatformEndpoint

	PlatformTimeout   time.Duration
	PlatformRetryMax  int
	PlatformRPS       int
	PlatformBurst     int
	DegradedLatency   time.Duration
	DegradedErrorRate float64

	AWSSecretsEnabled bool
	AWSRegion         string
	CacheTTL          time.Duration
	CleanupFreq       time.Duration

	RedisAddr string
	RedisDB   int
	RedisPass string

	NATSURL       string
	NATSStream    string
	NATSSubjectNS string

	RabbitMQURL   string
	RabbitMQQueue string

	SyncFlushInterval   time.Duration
	SyncFlushBatch      int
	SyncMaxAttempts     int
	HealthCheckInterval time.Duration
	BulkConcurrency     int
	BulkMaxUsers        int

	EventDedupeTTL     time.Duration
	SyncIdempotencyTTL time.Duration
}

// Load reads configuration from the environment and an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServiceName: GetEnv("SERVICE_NAME", "sync-coordinator"),
		Env:         GetEnv("ENV", "dev"),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),

		Port:             GetEnvInt("PORT", 9040),
		OpsPort:          GetEnvInt("OPS_PORT", 9041),
		HTTPReadTimeout:  GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: GetEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		HTTPIdleTimeout:  GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    GetEnvInt("HTTP_BODY_LIMIT", 1*1024*1024),

		Portal: PlatformEndpoint{
			BaseURL:       GetEnv("PORTAL_BASE_URL", "http://localhost:7001"),
			APIKey:        GetEnv("PORTAL_API_KEY", ""),
			WebhookSecret: GetEnv("PORTAL_WEBHOOK_SECRET", ""),
		},
		Trading: PlatformEndpoint{
			BaseURL:       GetEnv("TRADING_BASE_URL", "http://localhost:7002"),
			APIKey:        GetEnv("TRADING_API_KEY", ""),
			WebhookSecret: GetEnv("TRADING_WEBHOOK_SECRET", ""),
		},
		Support: PlatformEndpoint{
			BaseURL:       GetEnv("SUPPORT_BASE_URL", "http://localhost:7003"),
			APIKey:        GetEnv("SUPPORT_API_KEY", ""),
			WebhookSecret: GetEnv("SUPPORT_WEBHOOK_SECRET", ""),
		},

		PlatformTimeout:   GetEnvDuration("PLATFORM_TIMEOUT", 10*time.Second),
		PlatformRetryMax:  GetEnvInt("PLATFORM_RETRY_MAX", 0),
		PlatformRPS:       GetEnvInt("PLATFORM_RPS", 50),
		PlatformBurst:     GetEnvInt("PLATFORM_BURST", 100),
		DegradedLatency:   GetEnvDuration("HEALTH_DEGRADED_LATENCY", 2*time.Second),
		DegradedErrorRate: GetEnvFloat("HEALTH_DEGRADED_ERROR_RATE", 0.05),

		AWSSecretsEnabled: GetEnvBool("AWS_SECRETS_ENABLED", false),
		AWSRegion:         GetEnv("AWS_REGION", "us-east-2"),
		CacheTTL:          GetEnvDuration("CACHE_TTL", 1*time.Hour),
		CleanupFreq:       GetEnvDuration("CACHE_CLEANUP_FREQ", 10*time.Minute),

		RedisAddr: GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   GetEnvInt("REDIS_DB", 0),
		RedisPass: GetEnv("REDIS_PASS", ""),

		NATSURL:       GetEnv("NATS_URL", "nats://localhost:4222"),
		NATSStream:    GetEnv("NATS_STREAM", "SYNC_EVENTS"),
		NATSSubjectNS: GetEnv("NATS_SUBJECT_NS", "evt.sync"),

		RabbitMQURL:   GetEnv("RABBITMQ_URL", ""),
		RabbitMQQueue: GetEnv("RABBITMQ_QUEUE", "inbound.service.events"),

		SyncFlushInterval:   GetEnvDuration("SYNC_FLUSH_INTERVAL", 30*time.Second),
		SyncFlushBatch:      GetEnvInt("SYNC_FLUSH_BATCH", 50),
		SyncMaxAttempts:     GetEnvInt("SYNC_MAX_ATTEMPTS", 3),
		HealthCheckInterval: GetEnvDuration("HEALTH_CHECK_INTERVAL", 60*time.Second),
		BulkConcurrency:     GetEnvInt("BULK_CONCURRENCY", 8),
		BulkMaxUsers:        GetEnvInt("BULK_MAX_USERS", 500),

		EventDedupeTTL:     GetEnvDuration("EVENT_DEDUPE_TTL", 24*time.Hour),
		SyncIdempotencyTTL: GetEnvDuration("SYNC_IDEMPOTENCY_TTL", 15*time.Minute),
	}
}

// Endpoint returns the env-level endpoint configured for the given platform id.
func (c *Config) Endpoint(platform string) PlatformEndpoint {
	switch platform {
	case "black_portal":
		return c.Portal
	case "trading_platform":
		return c.Trading
	case "support_portal":
		return c.Support
	default:
		return PlatformEndpoint{}
	}
}
