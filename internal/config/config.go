// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/expense-assistant/internal/pipeline"
	"github.com/joho/godotenv"
)

const (
	BackendSQLite   = "sqlite"
	BackendBigQuery = "bigquery"
)

type Config struct {
	// HTTP Server
	Port           string
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string

	// Storage
	DataBackend     string
	SQLiteDBPath    string
	BigQueryProject string
	BigQueryDataset string
	TaxonomyTTL     time.Duration
	LedgerTimezone  string

	// Model
	GeminiAPIKey    string
	GeminiModel     string
	LLMTemperature  float64
	LLMMaxTokens    int
	LLMTimeout      time.Duration
	LLMMaxAttempts  int
	LLMRetryBase    time.Duration
	DefaultCurrency string

	// Optional collaborators
	ArchiveBucket string
	AMQPURL       string
	AMQPExchange  string
	AMQPQueue     string
}

// Load reads a local .env file if present, then the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		DataBackend:     getEnv("DATA_BACKEND", BackendSQLite),
		SQLiteDBPath:    getEnv("SQLITE_DB_PATH", "./data/expense-assistant.db"),
		BigQueryProject: getEnv("BIGQUERY_PROJECT", ""),
		BigQueryDataset: getEnv("BIGQUERY_DATASET", "finance"),
		TaxonomyTTL:     getEnvDuration("TAXONOMY_CACHE_TTL", time.Minute),
		LedgerTimezone:  getEnv("LEDGER_TIMEZONE", "UTC"),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", os.Getenv("GOOGLE_API_KEY")),
		GeminiModel:     getEnv("GEMINI_MODEL", pipeline.DefaultModelName),
		LLMTemperature:  getEnvFloat("LLM_TEMPERATURE", float64(pipeline.DefaultTemperature)),
		LLMMaxTokens:    getEnvInt("LLM_MAX_OUTPUT_TOKENS", int(pipeline.DefaultMaxOutputTokens)),
		LLMTimeout:      getEnvDuration("LLM_TIMEOUT", 30*time.Second),
		LLMMaxAttempts:  getEnvInt("LLM_MAX_ATTEMPTS", 1),
		LLMRetryBase:    getEnvDuration("LLM_RETRY_BASE_DELAY", 500*time.Millisecond),
		DefaultCurrency: strings.ToUpper(getEnv("DEFAULT_CURRENCY", "INR")),

		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),
		AMQPURL:       getEnv("AMQP_URL", ""),
		AMQPExchange:  getEnv("AMQP_EXCHANGE", "expense-assistant"),
		AMQPQueue:     getEnv("AMQP_QUEUE", "parsed_transactions"),
	}
}

// Validate reports every configuration problem at once.
// A missing model API key is not a problem: the gateway runs unconfigured.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be console or json", c.LogFormat))
	}

	switch c.DataBackend {
	case BackendSQLite:
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		}
	case BackendBigQuery:
		if c.BigQueryProject == "" {
			errors = append(errors, "BIGQUERY_PROJECT is required when using bigquery backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of [%s %s]", c.DataBackend, BackendSQLite, BackendBigQuery))
	}

	if c.TaxonomyTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid taxonomy cache TTL %v: must not be negative", c.TaxonomyTTL))
	}
	if _, err := time.LoadLocation(c.LedgerTimezone); err != nil {
		errors = append(errors, fmt.Sprintf("invalid ledger timezone '%s': %v", c.LedgerTimezone, err))
	}

	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		errors = append(errors, fmt.Sprintf("invalid LLM temperature %v: must be between 0 and 2", c.LLMTemperature))
	}
	if c.LLMMaxTokens < 1 {
		errors = append(errors, fmt.Sprintf("invalid LLM max output tokens %d: must be at least 1", c.LLMMaxTokens))
	}
	if c.LLMTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid LLM timeout %v: must be positive", c.LLMTimeout))
	}
	if c.LLMMaxAttempts < 1 || c.LLMMaxAttempts > 10 {
		errors = append(errors, fmt.Sprintf("invalid LLM max attempts %d: must be between 1 and 10", c.LLMMaxAttempts))
	}
	if len(c.DefaultCurrency) != 3 {
		errors = append(errors, fmt.Sprintf("invalid default currency '%s': must be a 3-letter code", c.DefaultCurrency))
	}

	if c.RateLimitRPS <= 0 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %v: must be positive", c.RateLimitRPS))
	}
	if c.RateLimitBurst < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit burst %d: must be at least 1", c.RateLimitBurst))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Gateway returns the upstream model settings.
func (c *Config) Gateway() pipeline.GatewayConfig {
	return pipeline.GatewayConfig{
		APIKey:          c.GeminiAPIKey,
		Model:           c.GeminiModel,
		Temperature:     float32(c.LLMTemperature),
		MaxOutputTokens: int32(c.LLMMaxTokens),
		Timeout:         c.LLMTimeout,
	}
}

// Retry returns the upstream retry policy.
func (c *Config) Retry() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts: c.LLMMaxAttempts,
		BaseDelay:   c.LLMRetryBase,
		MaxDelay:    c.LLMTimeout,
	}
}

// Location returns the ledger bucket timezone. Call Validate first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.LedgerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
