package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Archive (MAST-style)
	ArchiveBaseURL         string
	ArchiveRequestTimeout  time.Duration
	ArchiveDownloadTimeout time.Duration

	// MinIO
	MinioEndpoint      string
	MinioAccessKey     string
	MinioSecretKey     string
	MinioUseSSL        bool
	MinioFitsBucket    string
	MinioPreviewBucket string

	// Redis (progress bus)
	RedisURL string

	// Database
	DatabaseURL string

	// Pipeline tuning
	DownloadChunkSize  int
	MaxProductsTotal   int
	ChunkTimeout       time.Duration
	TaskSoftTimeout    time.Duration
	TaskHardTimeout    time.Duration
	MultipartThreshold int64
	MultipartPartSize  int64
	SlotLeaseTTL       time.Duration

	// Auth
	JWTSecret string

	// Server
	Port        string
	Environment string
}

func Load() (*Config, error) {
	cfg := &Config{
		ArchiveBaseURL:         getEnv("ARCHIVE_BASE_URL", "https://mast.stsci.edu/api/v0.1"),
		ArchiveRequestTimeout:  getDuration("ARCHIVE_REQUEST_TIMEOUT", 30*time.Second),
		ArchiveDownloadTimeout: getDuration("ARCHIVE_DOWNLOAD_TIMEOUT", 10*time.Minute),

		MinioEndpoint:      getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:     getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:        getEnv("MINIO_USE_SSL", "false") == "true",
		MinioFitsBucket:    getEnv("MINIO_BUCKET_NAME", "fits-files"),
		MinioPreviewBucket: getEnv("MINIO_PREVIEW_BUCKET", "previews"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		DownloadChunkSize:  getInt("DOWNLOAD_CHUNK_SIZE", 3),
		MaxProductsTotal:   getInt("MAX_PRODUCTS_TOTAL", 50),
		ChunkTimeout:       getDuration("CHUNK_TIMEOUT", time.Hour),
		TaskSoftTimeout:    getDuration("TASK_SOFT_TIMEOUT", time.Hour),
		TaskHardTimeout:    getDuration("TASK_HARD_TIMEOUT", 2*time.Hour),
		MultipartThreshold: getInt64("MULTIPART_THRESHOLD", 64*1024*1024),
		MultipartPartSize:  getInt64("MULTIPART_PART_SIZE", 16*1024*1024),
		SlotLeaseTTL:       getDuration("SLOT_LEASE_TTL", 60*time.Second),

		JWTSecret: getEnv("JWT_SECRET", ""),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DownloadChunkSize < 1 {
		return fmt.Errorf("DOWNLOAD_CHUNK_SIZE must be at least 1")
	}
	if c.MultipartPartSize < 5*1024*1024 {
		return fmt.Errorf("MULTIPART_PART_SIZE must be at least 5 MiB")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
