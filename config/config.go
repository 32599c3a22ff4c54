package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	// Relay server
	ServerAddr string
	RelayURL   string

	// ChannelBackend selects the room channel transport: "ws" or "redis".
	ChannelBackend string
	PresenceTTL    time.Duration

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// StorageBackend selects the object store: "minio" or "s3".
	StorageBackend string

	// MinIO
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string
	MinioPublicURL string

	// S3
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3PublicURL string

	IdentityDB     string
	MaxUploadBytes int64
	PositionTick   time.Duration

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func defaultIdentityDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sunorooms", "identity.db")
	}
	return filepath.Join(home, ".sunorooms", "identity.db")
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables and defaults.")
	}

	return &Config{
		ServerAddr:     getEnv("SERVER_ADDR", ":8080"),
		RelayURL:       strings.TrimRight(getEnv("RELAY_URL", "ws://127.0.0.1:8080"), "/"),
		ChannelBackend: strings.ToLower(getEnv("CHANNEL_BACKEND", "ws")),
		PresenceTTL:    getEnvDuration("PRESENCE_TTL", 15*time.Second),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", "minio")),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "audio"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioPublicURL: strings.TrimRight(getEnv("MINIO_PUBLIC_URL", ""), "/"),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    getEnv("S3_BUCKET", "audio"),
		S3PublicURL: strings.TrimRight(getEnv("S3_PUBLIC_URL", ""), "/"),

		IdentityDB:     getEnv("IDENTITY_DB", defaultIdentityDB()),
		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 10*1024*1024),
		PositionTick:   getEnvDuration("POSITION_TICK", 100*time.Millisecond),

		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 50),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 28),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}
