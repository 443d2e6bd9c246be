package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/maneesh/filerelay/internal/apperr"
)

// Storage providers
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderMinIO = "minio"
)

// Catalog drivers
const (
	DBDriverMySQL  = "mysql"
	DBDriverSQLite = "sqlite"
)

// Cache drivers
const (
	CacheRedis  = "redis"
	CacheMemory = "memory"
	CacheNone   = "none"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServiceName string
	ServicePort string
	LogLevel    string
	MaxUploadMB int
	TrustProxy  bool

	// Transfer policy
	Provider           string
	LocalRoot          string
	UploadDailyLimit   int
	DownloadDailyLimit int
	InactivePeriodDays int
	SweepInterval      time.Duration

	// MinIO / S3 configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIORegion     string
	MinIOUseSSL     bool

	// Catalog configuration
	DBDriver     string
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string
	SQLitePath   string

	// Cache configuration
	CacheDriver   string
	CacheSize     int
	CacheTTL      time.Duration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig loads configuration from a .env file (if present) and environment
// variables, applying defaults and validating the result.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, reading from environment")
	}

	config := &Config{
		ServiceName: getEnv("SERVICE_NAME", "filerelay"),
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MaxUploadMB: getEnvAsInt("MAX_UPLOAD_MB", 100),
		TrustProxy:  getEnvAsBool("TRUST_PROXY", false),

		Provider:           strings.ToLower(getEnv("PROVIDER", ProviderLocal)),
		LocalRoot:          getEnv("FOLDER", "./storage/uploads"),
		UploadDailyLimit:   getEnvAsInt("UPLOAD_LIMIT", 10),
		DownloadDailyLimit: getEnvAsInt("DOWNLOAD_LIMIT", 5),
		InactivePeriodDays: getEnvAsInt("INACTIVE_PERIOD", 30),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", 24*time.Hour),

		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "filerelay"),
		MinIORegion:     getEnv("MINIO_REGION", ""),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		DBDriver:     strings.ToLower(getEnv("DB_DRIVER", DBDriverMySQL)),
		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "filerelay"),
		SQLitePath:   getEnv("SQLITE_PATH", "filerelay.db"),

		CacheDriver:   strings.ToLower(getEnv("CACHE_DRIVER", CacheRedis)),
		CacheSize:     getEnvAsInt("CACHE_SIZE", 1024),
		CacheTTL:      getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks option ranges and enumerations. Failures wrap
// apperr.ErrConfiguration and are fatal at startup.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderLocal, ProviderS3, ProviderMinIO:
	default:
		return fmt.Errorf("%w: unsupported storage provider %q", apperr.ErrConfiguration, c.Provider)
	}
	switch c.DBDriver {
	case DBDriverMySQL, DBDriverSQLite:
	default:
		return fmt.Errorf("%w: unsupported db driver %q", apperr.ErrConfiguration, c.DBDriver)
	}
	switch c.CacheDriver {
	case CacheRedis, CacheMemory, CacheNone:
	default:
		return fmt.Errorf("%w: unsupported cache driver %q", apperr.ErrConfiguration, c.CacheDriver)
	}
	if c.UploadDailyLimit <= 0 || c.DownloadDailyLimit <= 0 {
		return fmt.Errorf("%w: daily limits must be positive", apperr.ErrConfiguration)
	}
	if c.InactivePeriodDays <= 0 {
		return fmt.Errorf("%w: INACTIVE_PERIOD must be positive", apperr.ErrConfiguration)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: SWEEP_INTERVAL must be positive", apperr.ErrConfiguration)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("%w: MAX_UPLOAD_MB must be positive", apperr.ErrConfiguration)
	}
	return nil
}

// GetDSN returns the catalog connection string for the configured driver
func (c *Config) GetDSN() string {
	if c.DBDriver == DBDriverSQLite {
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", c.SQLitePath)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetMaxUploadBytes returns the request body ceiling in bytes
func (c *Config) GetMaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

// GetInactivePeriod returns the sweep inactivity threshold
func (c *Config) GetInactivePeriod() time.Duration {
	return time.Duration(c.InactivePeriodDays) * 24 * time.Hour
}

// GetLogLevel parses LogLevel, falling back to info
func (c *Config) GetLogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
