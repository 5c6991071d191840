// Package config loads hub configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all hub configuration from environment variables.
type Config struct {
	// Listener
	Host string
	Port string

	// Storage
	DBPath string

	// Secret is the root key for at-rest encryption (CA key, integration
	// credentials). Empty disables encryption and mTLS issuance keeps
	// working, but secrets are stored in cleartext.
	Secret string

	// Fleet
	LatestAgentVersion string        // semver advisory sent to older agents
	OfflineAfter       time.Duration // last-seen age before an agent reads as offline

	// Probe execution
	ProbeTimeout   time.Duration // default per-probe deadline
	CacheTTL       time.Duration // probe result cache TTL
	CacheEntries   int           // LRU bound on cached results
	PackConcurrent int           // per-pack integration concurrency limit

	// Scheduling
	HealthCheckCron string // optional cron expression for fleet health checks

	// Notifications
	WebhookURL     string
	WebhookHeaders string // comma-separated "Key:Value" pairs
	MQTTBroker     string
	MQTTTopic      string

	// Logging
	LogJSON  bool
	LogLevel slog.Level
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Host:               envStr("HOST", ""),
		Port:               envStr("PORT", "8780"),
		DBPath:             envStr("SONDE_DB_PATH", "/data/sonde.db"),
		Secret:             envStr("SONDE_SECRET", ""),
		LatestAgentVersion: envStr("SONDE_LATEST_AGENT_VERSION", ""),
		OfflineAfter:       envDuration("SONDE_OFFLINE_AFTER", time.Minute),
		ProbeTimeout:       envDuration("SONDE_PROBE_TIMEOUT", 30*time.Second),
		CacheTTL:           envDuration("SONDE_CACHE_TTL", 10*time.Second),
		CacheEntries:       envInt("SONDE_CACHE_ENTRIES", 1024),
		PackConcurrent:     envInt("SONDE_PACK_CONCURRENCY", 8),
		HealthCheckCron:    envStr("SONDE_HEALTHCHECK_CRON", ""),
		WebhookURL:         envStr("SONDE_WEBHOOK_URL", ""),
		WebhookHeaders:     envStr("SONDE_WEBHOOK_HEADERS", ""),
		MQTTBroker:         envStr("SONDE_MQTT_BROKER", ""),
		MQTTTopic:          envStr("SONDE_MQTT_TOPIC", "sonde/events"),
		LogJSON:            envBool("SONDE_LOG_JSON", true),
		LogLevel:           envLevel("SONDE_LOG_LEVEL", slog.LevelInfo),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, fmt.Errorf("PORT must not be empty"))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SONDE_PROBE_TIMEOUT must be > 0, got %s", c.ProbeTimeout))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("SONDE_CACHE_TTL must be > 0, got %s", c.CacheTTL))
	}
	if c.CacheEntries <= 0 {
		errs = append(errs, fmt.Errorf("SONDE_CACHE_ENTRIES must be > 0, got %d", c.CacheEntries))
	}
	if c.PackConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("SONDE_PACK_CONCURRENCY must be > 0, got %d", c.PackConcurrent))
	}
	if c.OfflineAfter <= 0 {
		errs = append(errs, fmt.Errorf("SONDE_OFFLINE_AFTER must be > 0, got %s", c.OfflineAfter))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envLevel(key string, def slog.Level) slog.Level {
	switch os.Getenv(key) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}
