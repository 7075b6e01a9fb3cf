package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	LiveKit  LiveKitConfig
	Queue    QueueConfig
	Sweeper  SweeperConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/streamhive?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings for the API surface.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// LiveKitConfig holds LiveKit server API credentials.
type LiveKitConfig struct {
	URL       string // RoomService API host, e.g. https://my-livekit.example.com
	APIKey    string
	APISecret string
	// TokenTTLHours is the validity window of issued access tokens.
	TokenTTLHours int
}

// QueueConfig holds webhook job queue settings.
type QueueConfig struct {
	Concurrency   int // worker pool size
	MaxRetries    int
	BackoffBaseMS int // base retry delay, doubled per attempt
}

// SweeperConfig holds reconciliation sweep settings.
type SweeperConfig struct {
	IntervalMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 0), // 0 = no write deadline; SSE/WS connections are long-lived
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "streamhive"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		LiveKit: LiveKitConfig{
			URL:           getEnv("LIVEKIT_URL", "http://localhost:7880"),
			APIKey:        getEnv("LIVEKIT_API_KEY", ""),
			APISecret:     getEnv("LIVEKIT_API_SECRET", ""),
			TokenTTLHours: getEnvInt("LIVEKIT_TOKEN_TTL_HOURS", 6),
		},
		Queue: QueueConfig{
			Concurrency:   getEnvInt("WEBHOOK_WORKERS", 10),
			MaxRetries:    getEnvInt("WEBHOOK_MAX_RETRIES", 3),
			BackoffBaseMS: getEnvInt("WEBHOOK_BACKOFF_BASE_MS", 1000),
		},
		Sweeper: SweeperConfig{
			IntervalMinutes: getEnvInt("SWEEP_INTERVAL_MINUTES", 10),
		},
	}
	if cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "" {
		return nil, fmt.Errorf("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
