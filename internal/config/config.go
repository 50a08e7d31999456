package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabasePath string
	Port         string
	Environment  string

	// External metals price API
	MetalsAPIURL string
	MetalsAPIKey string
	SpotTTL      time.Duration

	// Checkout price guarantees
	PriceLockTTL time.Duration

	// History retention
	HistoryRetentionDays int
}

func Load() *Config {
	return &Config{
		DatabasePath: getEnv("DATABASE_PATH", "bullion_market.db"),
		Port:         getEnv("PORT", "8080"),
		Environment:  getEnv("ENVIRONMENT", "development"),

		MetalsAPIURL: getEnv("METALS_API_URL", "https://api.metals.dev/v1/latest"),
		MetalsAPIKey: getEnv("METALS_API_KEY", ""),
		SpotTTL:      getDuration("SPOT_TTL", 5*time.Minute),

		PriceLockTTL: getDuration("PRICE_LOCK_TTL", 30*time.Second),

		HistoryRetentionDays: getInt("HISTORY_RETENTION_DAYS", 365),
	}
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

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
