// Package config loads updateclientd's environment-variable configuration,
// grounded on the teacher's cmd/app/main.go Config/getEnvWithDefault
// pattern and internal/auth/config.go's Validate-required-fields style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the daemon's configuration loaded from environment
// variables (and an optional .env file via godotenv in cmd/updateclientd).
type Config struct {
	Port     string // HTTP port for the daemon's health and API server
	Env      string // development/staging/production
	LogLevel string

	SentryDSN string

	UpdateCheckURL   string // update-check endpoint (internal/transport.Checker)
	UpdateCheckIssuer string
	SigningKeySecret string // HS256 signing secret for outbound update-check requests

	DownloadDir string // destination dir for internal/transport.Downloader
	UnpackDir   string // work dir for internal/unpack.Unpacker
	CacheDir    string // content-addressed artifact cache root
	CacheMaxItems int

	DatabaseURL string

	SlackBotToken   string
	SlackOpsChannel string
	PingAlertThreshold float64

	OTelEnabled      bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	MetricsAddress   string

	DefaultBatchTimeout time.Duration
}

// Load reads Config from the environment, applying the same defaults the
// teacher's cmd/app/main.go applies for Port/Env/LogLevel.
func Load() *Config {
	return &Config{
		Port:     getEnvWithDefault("PORT", "8080"),
		Env:      getEnvWithDefault("APP_ENV", "development"),
		LogLevel: getEnvWithDefault("LOG_LEVEL", "info"),

		SentryDSN: os.Getenv("SENTRY_DSN"),

		UpdateCheckURL:    os.Getenv("UPDATE_CHECK_URL"),
		UpdateCheckIssuer: getEnvWithDefault("UPDATE_CHECK_ISSUER", "updateclientd"),
		SigningKeySecret:  os.Getenv("UPDATE_CHECK_SIGNING_KEY"),

		DownloadDir:   getEnvWithDefault("DOWNLOAD_DIR", "/var/lib/updateclient/downloads"),
		UnpackDir:     getEnvWithDefault("UNPACK_DIR", "/var/lib/updateclient/unpacked"),
		CacheDir:      getEnvWithDefault("CACHE_DIR", "/var/lib/updateclient/cache"),
		CacheMaxItems: getEnvIntWithDefault("CACHE_MAX_ITEMS", 256),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackOpsChannel:    os.Getenv("SLACK_OPS_CHANNEL"),
		PingAlertThreshold: getEnvFloatWithDefault("PING_ALERT_THRESHOLD", 0.2),

		OTelEnabled:    getEnvBoolWithDefault("OTEL_ENABLED", false),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:   getEnvBoolWithDefault("OTEL_EXPORTER_OTLP_INSECURE", false),
		MetricsAddress: getEnvWithDefault("METRICS_ADDRESS", ":9090"),

		DefaultBatchTimeout: getEnvDurationWithDefault("BATCH_TIMEOUT", 5*time.Minute),
	}
}

// Validate ensures the configuration is usable for a real daemon run (not
// required for tests that construct updateclient.UpdateClient directly).
func (c *Config) Validate() error {
	if c.UpdateCheckURL == "" {
		return fmt.Errorf("UPDATE_CHECK_URL environment variable is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
