package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                string
	DatabaseURL         string
	LedgerBackend       string // "memory" or "postgres"
	AnchorWebhookSecret string
	OutboxInterval      time.Duration
	OutboxBatch         int
}

// Load reads configuration from the environment once at process start.
func Load() Config {
	return Config{
		Port:                getEnv("SERVICE_PORT", "8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		LedgerBackend:       getEnv("LEDGER_BACKEND", "memory"),
		AnchorWebhookSecret: getEnv("ANCHOR_WEBHOOK_SECRET", ""),
		OutboxInterval:      getEnvDuration("OUTBOX_INTERVAL", 5*time.Second),
		OutboxBatch:         getEnvInt("OUTBOX_BATCH", 50),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
