package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Runtime configuration, sourced from the environment with an optional
// .env overlay.
type Config struct {
	Port      string
	DBPath    string
	JWTSecret string

	// Quiet window before buffered room state is flushed to disk.
	FlushDelay time.Duration

	// How long ended rooms stay readable before the sweeper removes them.
	RetentionPeriod   time.Duration
	RetentionInterval time.Duration

	// Per-connection websocket message rate limit.
	MessagesPerSecond float64
	MessageBurst      int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Could not load .env file")
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("LIVEROOM_DB_PATH", "./data/liveroom.db"),
		JWTSecret:         os.Getenv("LIVEROOM_JWT_SECRET"),
		FlushDelay:        getDuration("LIVEROOM_FLUSH_DELAY", 300*time.Millisecond),
		RetentionPeriod:   getDuration("LIVEROOM_RETENTION_PERIOD", 30*24*time.Hour),
		RetentionInterval: getDuration("LIVEROOM_RETENTION_INTERVAL", time.Hour),
		MessagesPerSecond: getFloat("LIVEROOM_MESSAGES_PER_SECOND", 100),
		MessageBurst:      getInt("LIVEROOM_MESSAGE_BURST", 200),
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret-change-me"
		logrus.Warn("LIVEROOM_JWT_SECRET not set, using insecure development secret")
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.Warnf("Invalid duration for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("Invalid integer for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logrus.Warnf("Invalid number for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}
