package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port         string
	AppEnv       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int

	// Scheduler configuration
	BatchSize     int
	ProgressTick  time.Duration
	ProgressStart int
	ProgressStep  int
	ProgressCap   int

	// Admission configuration
	FreeTierLimit int
	MaxFileSize   int64

	// Default compression options
	DefaultQuality      float64
	DefaultMaxWidth     int
	DefaultMaxHeight    int
	DefaultOutputFormat string

	// Buffer pool configuration
	BufferPoolSize int
	BufferSize     int

	// Session and preview configuration
	SessionTTL  time.Duration
	PreviewSize int

	// Download settings
	DownloadTimeout time.Duration

	// Privilege settings
	PrivilegedTokens     []string
	SubscriptionCheckURL string
	PrivilegeCacheTTL    time.Duration

	// Result sink settings
	SinkDir         string
	SinkS3Endpoint  string
	SinkS3AccessKey string
	SinkS3SecretKey string
	SinkS3Bucket    string
	SinkS3UseSSL    bool

	// Logging configuration
	LogLevel              string
	LogFormat             string
	LogFile               string
	EnablePerformanceLogs bool

	// Production settings
	EnableCORS        bool
	EnableHealthCheck bool
}

// Load loads configuration from environment variables and .env file
func Load() *Config {
	// .env is optional
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	} else {
		slog.Info("loaded configuration from .env file")
	}

	return &Config{
		Port:         getEnv("PORT", "5001"),
		AppEnv:       getEnv("APP_ENV", "development"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 5*time.Minute),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 5*time.Minute),
		BodyLimit:    getInt("BODY_LIMIT", 200*1024*1024), // 200MB

		BatchSize:     getInt("BATCH_SIZE", 3),
		ProgressTick:  getDuration("PROGRESS_TICK", 200*time.Millisecond),
		ProgressStart: getInt("PROGRESS_START", 10),
		ProgressStep:  getInt("PROGRESS_STEP", 10),
		ProgressCap:   getInt("PROGRESS_CAP", 90),

		FreeTierLimit: getInt("FREE_TIER_LIMIT", 3),
		MaxFileSize:   getInt64("MAX_FILE_SIZE", 10*1024*1024), // 10MB

		DefaultQuality:      getFloat("DEFAULT_QUALITY", 0.8),
		DefaultMaxWidth:     getInt("DEFAULT_MAX_WIDTH", 1920),
		DefaultMaxHeight:    getInt("DEFAULT_MAX_HEIGHT", 1080),
		DefaultOutputFormat: getEnv("DEFAULT_OUTPUT_FORMAT", "jpeg"),

		BufferPoolSize: getInt("BUFFER_POOL_SIZE", 16),
		BufferSize:     getInt("BUFFER_SIZE", 1024*1024), // 1MB

		SessionTTL:  getDuration("SESSION_TTL", 30*time.Minute),
		PreviewSize: getInt("PREVIEW_SIZE", 320),

		DownloadTimeout: getDuration("DOWNLOAD_TIMEOUT", 30*time.Second),

		PrivilegedTokens:     getList("PRIVILEGED_TOKENS"),
		SubscriptionCheckURL: getEnv("SUBSCRIPTION_CHECK_URL", ""),
		PrivilegeCacheTTL:    getDuration("PRIVILEGE_CACHE_TTL", time.Minute),

		SinkDir:         getEnv("SINK_DIR", "./compressed"),
		SinkS3Endpoint:  getEnv("SINK_S3_ENDPOINT", ""),
		SinkS3AccessKey: getEnv("SINK_S3_ACCESS_KEY", ""),
		SinkS3SecretKey: getEnv("SINK_S3_SECRET_KEY", ""),
		SinkS3Bucket:    getEnv("SINK_S3_BUCKET", ""),
		SinkS3UseSSL:    getBool("SINK_S3_USE_SSL", true),

		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "console"),
		LogFile:               getEnv("LOG_FILE", ""),
		EnablePerformanceLogs: getBool("ENABLE_PERFORMANCE_LOGS", true),

		EnableCORS:        getBool("ENABLE_CORS", true),
		EnableHealthCheck: getBool("ENABLE_HEALTH_CHECK", true),
	}
}

// Validate reports the first setting that would make the service misbehave.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	case c.FreeTierLimit < 0:
		return fmt.Errorf("FREE_TIER_LIMIT must not be negative, got %d", c.FreeTierLimit)
	case c.MaxFileSize <= 0:
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	case c.DefaultQuality <= 0 || c.DefaultQuality > 1:
		return fmt.Errorf("DEFAULT_QUALITY must be in (0,1], got %v", c.DefaultQuality)
	case c.DefaultMaxWidth <= 0 || c.DefaultMaxHeight <= 0:
		return fmt.Errorf("DEFAULT_MAX_WIDTH/HEIGHT must be positive, got %dx%d", c.DefaultMaxWidth, c.DefaultMaxHeight)
	case c.ProgressTick <= 0:
		return fmt.Errorf("PROGRESS_TICK must be positive, got %v", c.ProgressTick)
	case c.ProgressStart <= 0 || c.ProgressCap >= 100 || c.ProgressStart > c.ProgressCap:
		return fmt.Errorf("progress bounds invalid: start=%d cap=%d", c.ProgressStart, c.ProgressCap)
	case c.ProgressStep <= 0:
		return fmt.Errorf("PROGRESS_STEP must be positive, got %d", c.ProgressStep)
	case c.SinkS3Endpoint != "" && c.SinkS3Bucket == "":
		return fmt.Errorf("SINK_S3_BUCKET is required when SINK_S3_ENDPOINT is set")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		slog.Warn("invalid integer value, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
		slog.Warn("invalid int64 value, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
		slog.Warn("invalid float value, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		slog.Warn("invalid boolean value, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		slog.Warn("invalid duration value, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
