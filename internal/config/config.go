package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all runtime settings. Values come from the environment,
// optionally seeded from a .env file in the working directory.
type Config struct {
	Env            string
	Port           string
	DBPath         string
	JWTSecret      string
	Debug          bool
	IdempotencyTTL time.Duration
	QuoteInterval  time.Duration
	EODSchedule    string
}

func Load() *Config {
	// Missing .env is fine, the environment wins either way
	_ = godotenv.Load()

	return &Config{
		Env:            getEnv("ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "broker.db"),
		JWTSecret:      getEnv("JWT_SECRET", "broker-secret-key"),
		Debug:          getEnv("DEBUG", "") == "true",
		IdempotencyTTL: getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		QuoteInterval:  getDuration("QUOTE_INTERVAL", 2*time.Second),
		EODSchedule:    getEnv("EOD_SCHEDULE", "0 0 * * *"),
	}
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
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
