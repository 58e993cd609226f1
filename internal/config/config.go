package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Preview backends.
const (
	PreviewMemory = "memory"
	PreviewRedis  = "redis"
)

// Config is the process configuration, read from the environment.
type Config struct {
	ListenAddr          string
	PredictionBaseURL   string
	PredictionPath      string
	PredictionTimeout   time.Duration
	PreviewBackend      string
	PreviewMaxDimension int
	PreviewTTL          time.Duration
	SessionIdleTTL      time.Duration
	RedisAddr           string
	DatabaseDSN         string
	JWTSecret           string
	JWTAudience         string
	ShutdownTimeout     time.Duration
	LogLevel            string
}

// Load reads the configuration. Malformed values are errors; unset values
// take their defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		PredictionBaseURL: strings.TrimRight(getEnv("PREDICTION_BASE_URL", "http://localhost:8000"), "/"),
		PredictionPath:    getEnv("PREDICTION_PATH", "/predict"),
		PreviewBackend:    strings.ToLower(getEnv("PREVIEW_BACKEND", PreviewMemory)),
		RedisAddr:         getEnv("REDIS_ADDR", "redis:6379"),
		DatabaseDSN:       getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=fundusdx port=5432 sslmode=disable"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:       os.Getenv("JWT_AUDIENCE"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.PredictionTimeout, err = getDuration("PREDICTION_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PreviewTTL, err = getDuration("PREVIEW_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SessionIdleTTL, err = getDuration("SESSION_IDLE_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.PreviewMaxDimension, err = getInt("PREVIEW_MAX_DIMENSION", 512); err != nil {
		return nil, err
	}

	switch cfg.PreviewBackend {
	case PreviewMemory, PreviewRedis:
	default:
		return nil, fmt.Errorf("PREVIEW_BACKEND: unsupported backend %q", cfg.PreviewBackend)
	}
	if cfg.PreviewBackend == PreviewRedis && cfg.PreviewTTL > 0 && cfg.SessionIdleTTL > 0 && cfg.PreviewTTL < cfg.SessionIdleTTL {
		return nil, fmt.Errorf("PREVIEW_TTL %s is shorter than SESSION_IDLE_TTL %s", cfg.PreviewTTL, cfg.SessionIdleTTL)
	}
	if !strings.HasPrefix(cfg.PredictionPath, "/") {
		cfg.PredictionPath = "/" + cfg.PredictionPath
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", key, raw)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
