package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr         string
	DatabaseURL        string
	RedisAddr          string
	CORSAllowedOrigins []string

	ApplianceBaseURL     string
	ApplianceFallbackURL string
	ApplianceUsername    string
	AppliancePassword    string
	RequestTimeout       time.Duration
	AuthMaxAttempts      int
	AuthBackoffBase      time.Duration
	PageSize             int
	MaxRecordsPerFetch   int

	SyncIntervalMinutes   int
	SyncMaxRetries        int
	SyncRetryDelay        time.Duration
	HeartbeatIntervalMins int

	DirectoryCacheTTL time.Duration
	QueryCacheTTL     time.Duration

	RateLimitRequestsPerSec float64
	RateLimitBurst          int

	S3Region              string
	S3Endpoint            string
	S3AccessKey           string
	S3SecretKey           string
	S3Bucket              string
	SnapshotRetentionDays int
}

func Load() Config {
	port := envOrDefault("API_PORT", "8080")

	return Config{
		ListenAddr:         ":" + port,
		DatabaseURL:        databaseURL(),
		RedisAddr:          redisAddr(),
		CORSAllowedOrigins: parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),

		ApplianceBaseURL:     envOrDefault("ZKBIO_BASE_URL", "http://localhost:85"),
		ApplianceFallbackURL: os.Getenv("ZKBIO_FALLBACK_URL"),
		ApplianceUsername:    os.Getenv("ZKBIO_USERNAME"),
		AppliancePassword:    os.Getenv("ZKBIO_PASSWORD"),
		RequestTimeout:       time.Duration(envOrDefaultInt("ZKBIO_REQUEST_TIMEOUT_SECONDS", 8)) * time.Second,
		AuthMaxAttempts:      envOrDefaultInt("ZKBIO_AUTH_MAX_ATTEMPTS", 3),
		AuthBackoffBase:      time.Duration(envOrDefaultInt("ZKBIO_AUTH_BACKOFF_MS", 500)) * time.Millisecond,
		PageSize:             envOrDefaultInt("ZKBIO_PAGE_SIZE", 500),
		MaxRecordsPerFetch:   envOrDefaultInt("ZKBIO_MAX_RECORDS_PER_FETCH", 10000),

		SyncIntervalMinutes:   envOrDefaultInt("SYNC_INTERVAL_MINUTES", 5),
		SyncMaxRetries:        envOrDefaultInt("SYNC_MAX_RETRIES", 3),
		SyncRetryDelay:        time.Duration(envOrDefaultInt("SYNC_RETRY_DELAY_SECONDS", 30)) * time.Second,
		HeartbeatIntervalMins: envOrDefaultInt("HEARTBEAT_INTERVAL_MINUTES", 4),

		DirectoryCacheTTL: time.Duration(envOrDefaultInt("DIRECTORY_CACHE_TTL_MINUTES", 10)) * time.Minute,
		QueryCacheTTL:     time.Duration(envOrDefaultInt("QUERY_CACHE_TTL_SECONDS", 90)) * time.Second,

		RateLimitRequestsPerSec: envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:          envOrDefaultInt("RATE_LIMIT_BURST", 50),

		S3Region:              envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:            os.Getenv("S3_ENDPOINT"),
		S3AccessKey:           envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:           envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:              envOrDefault("S3_BUCKET", ""),
		SnapshotRetentionDays: envOrDefaultInt("SNAPSHOT_RETENTION_DAYS", 90),
	}
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "attendance")
	password := envOrDefault("POSTGRES_PASSWORD", "attendance")
	database := envOrDefault("POSTGRES_DB", "attendance")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}
