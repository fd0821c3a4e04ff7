package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Platform  PlatformConfig
	Lock      LockConfig
	Bulk      BulkConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Archive   ArchiveConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PlatformConfig covers the commerce platform Admin API.
type PlatformConfig struct {
	APIVersion    string
	WebhookSecret string // HMAC secret for trigger webhooks
	EncryptionKey string // 32-byte hex key for access tokens at rest
}

type LockConfig struct {
	TTLMinutes    int // max expected stage duration
	ExtendMinutes int // keepalive interval, well under the TTL
}

type BulkConfig struct {
	QueryPollSeconds       int
	QueryTimeoutMinutes    int
	MutationPollSeconds    int
	MutationTimeoutMinutes int
	MaxRetries             int // transient-error retry budget per request
	ChunkSizeMB            int // per-file ceiling for staged uploads
}

type WorkerConfig struct {
	Concurrency    int
	MaxRetry       int // queue-level attempts before a task is parked
	RetentionHours int // keep finished tasks inspectable
}

type RateLimitConfig struct {
	TriggersPerMin int
}

// ArchiveConfig is the optional object storage bucket mutation input files
// are copied to before submission. Empty credentials disable archival.
type ArchiveConfig struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("PLATFORM_WEBHOOK_SECRET")
	readSecret("TOKEN_ENCRYPTION_KEY")
	readSecret("ARCHIVE_ACCOUNT_ID")
	readSecret("ARCHIVE_ACCESS_KEY_ID")
	readSecret("ARCHIVE_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("platform.api_version", "PLATFORM_API_VERSION")
	_ = viper.BindEnv("platform.webhook_secret", "PLATFORM_WEBHOOK_SECRET")
	_ = viper.BindEnv("platform.encryption_key", "TOKEN_ENCRYPTION_KEY")
	_ = viper.BindEnv("lock.ttl_minutes", "LOCK_TTL_MINUTES")
	_ = viper.BindEnv("lock.extend_minutes", "LOCK_EXTEND_MINUTES")
	_ = viper.BindEnv("bulk.query_poll_seconds", "BULK_QUERY_POLL_SECONDS")
	_ = viper.BindEnv("bulk.query_timeout_minutes", "BULK_QUERY_TIMEOUT_MINUTES")
	_ = viper.BindEnv("bulk.mutation_poll_seconds", "BULK_MUTATION_POLL_SECONDS")
	_ = viper.BindEnv("bulk.mutation_timeout_minutes", "BULK_MUTATION_TIMEOUT_MINUTES")
	_ = viper.BindEnv("bulk.max_retries", "BULK_MAX_RETRIES")
	_ = viper.BindEnv("bulk.chunk_size_mb", "BULK_CHUNK_SIZE_MB")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("worker.max_retry", "WORKER_MAX_RETRY")
	_ = viper.BindEnv("worker.retention_hours", "WORKER_RETENTION_HOURS")
	_ = viper.BindEnv("ratelimit.triggers_per_min", "RATELIMIT_TRIGGERS_PER_MIN")
	_ = viper.BindEnv("archive.account_id", "ARCHIVE_ACCOUNT_ID")
	_ = viper.BindEnv("archive.access_key_id", "ARCHIVE_ACCESS_KEY_ID")
	_ = viper.BindEnv("archive.secret_access_key", "ARCHIVE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("archive.bucket_name", "ARCHIVE_BUCKET_NAME")
	_ = viper.BindEnv("archive.public_url", "ARCHIVE_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Platform defaults
	viper.SetDefault("platform.api_version", "2024-10")

	// Lock defaults: the TTL must comfortably outlast the extend interval
	viper.SetDefault("lock.ttl_minutes", 35)
	viper.SetDefault("lock.extend_minutes", 5)

	// Bulk operation defaults: queries finish in minutes, mutations can run
	// for hours
	viper.SetDefault("bulk.query_poll_seconds", 5)
	viper.SetDefault("bulk.query_timeout_minutes", 30)
	viper.SetDefault("bulk.mutation_poll_seconds", 10)
	viper.SetDefault("bulk.mutation_timeout_minutes", 120)
	viper.SetDefault("bulk.max_retries", 5)
	viper.SetDefault("bulk.chunk_size_mb", 95)

	// Worker defaults
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.max_retry", 3)
	viper.SetDefault("worker.retention_hours", 168)

	viper.SetDefault("ratelimit.triggers_per_min", 30)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Platform: PlatformConfig{
			APIVersion:    viper.GetString("platform.api_version"),
			WebhookSecret: viper.GetString("platform.webhook_secret"),
			EncryptionKey: viper.GetString("platform.encryption_key"),
		},
		Lock: LockConfig{
			TTLMinutes:    viper.GetInt("lock.ttl_minutes"),
			ExtendMinutes: viper.GetInt("lock.extend_minutes"),
		},
		Bulk: BulkConfig{
			QueryPollSeconds:       viper.GetInt("bulk.query_poll_seconds"),
			QueryTimeoutMinutes:    viper.GetInt("bulk.query_timeout_minutes"),
			MutationPollSeconds:    viper.GetInt("bulk.mutation_poll_seconds"),
			MutationTimeoutMinutes: viper.GetInt("bulk.mutation_timeout_minutes"),
			MaxRetries:             viper.GetInt("bulk.max_retries"),
			ChunkSizeMB:            viper.GetInt("bulk.chunk_size_mb"),
		},
		Worker: WorkerConfig{
			Concurrency:    viper.GetInt("worker.concurrency"),
			MaxRetry:       viper.GetInt("worker.max_retry"),
			RetentionHours: viper.GetInt("worker.retention_hours"),
		},
		RateLimit: RateLimitConfig{
			TriggersPerMin: viper.GetInt("ratelimit.triggers_per_min"),
		},
		Archive: ArchiveConfig{
			AccountID:       viper.GetString("archive.account_id"),
			AccessKeyID:     viper.GetString("archive.access_key_id"),
			SecretAccessKey: viper.GetString("archive.secret_access_key"),
			BucketName:      viper.GetString("archive.bucket_name"),
			PublicURL:       viper.GetString("archive.public_url"),
		},
	}

	return cfg, nil
}
