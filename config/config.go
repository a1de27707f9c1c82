package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	PublicOrigin   string // Origin used to build share links
	Room           string // Room to join at start-up (id or share link)
	LogLevel       string

	SharedStore string // memory, redis, postgres or sqlite
	LocalStore  string // memory or sqlite
	TabBus      string // memory or redis
	SQLitePath  string
	PostgresDSN string
	Redis       RedisConfig

	Sync SyncConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SyncConfig holds the timers that drive signaling and peer liveness.
type SyncConfig struct {
	SignalPollInterval time.Duration
	NegotiationTimeout time.Duration
	LivenessInterval   time.Duration
	JoinDelay          time.Duration
	ICEServers         []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to read .env file", "error", err)
	}

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitList(originsStr)

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		PublicOrigin:   strings.TrimRight(getEnv("PUBLIC_ORIGIN", "http://localhost:3000"), "/"),
		Room:           getEnv("ROOM", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SharedStore:    getEnv("SHARED_STORE", "redis"),
		LocalStore:     getEnv("LOCAL_STORE", "sqlite"),
		TabBus:         getEnv("TAB_BUS", "redis"),
		SQLitePath:     getEnv("SQLITE_PATH", "household.db"),
		PostgresDSN:    getEnv("POSTGRES_DSN", ""),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Sync: SyncConfig{
			SignalPollInterval: getEnvDuration("SIGNAL_POLL_INTERVAL", time.Second),
			NegotiationTimeout: getEnvDuration("NEGOTIATION_TIMEOUT", 30*time.Second),
			LivenessInterval:   getEnvDuration("LIVENESS_INTERVAL", 30*time.Second),
			JoinDelay:          getEnvDuration("JOIN_DELAY", time.Second),
			ICEServers:         splitList(getEnv("ICE_SERVERS", "")),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Ignoring invalid integer setting", "key", key, "value", value)
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("Ignoring invalid duration setting", "key", key, "value", value)
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
