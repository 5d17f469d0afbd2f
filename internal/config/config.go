// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Storage backends accepted by STORAGE_BACKEND.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Batch    BatchConfig
	Render   RenderConfig
	SMTP     SMTPConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is 0 so progress streams are not cut off
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including waiting for the
	// active batch to finish its current row (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout applies to non-streaming routes (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// MaxUploadSize caps dataset and template uploads in bytes (default: 20MB)
	MaxUploadSize int64 `env:"SERVER_MAX_UPLOAD_SIZE" default:"20971520"`
}

// StorageConfig selects the checkpoint backend.
type StorageConfig struct {
	// Backend is one of file, redis, postgres (default: file)
	Backend string `env:"STORAGE_BACKEND" default:"file"`

	// Dir is the checkpoint directory for the file backend
	Dir string `env:"STORAGE_DIR" default:"data/checkpoints"`

	// Debounce delays checkpoint saves triggered by configuration edits (default: 2s)
	Debounce time.Duration `env:"STORAGE_DEBOUNCE" default:"2s"`
}

// DatabaseConfig holds database connection settings for the postgres backend.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns int `env:"DB_MAX_CONNS" default:"4"`

	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" default:"0"`

	// KeyPrefix namespaces every key (default: certmailer)
	KeyPrefix string `env:"REDIS_KEY_PREFIX" default:"certmailer"`
}

// BatchConfig holds run loop settings.
type BatchConfig struct {
	// MaxAttempts bounds delivery attempts per row (default: 3)
	MaxAttempts int `env:"BATCH_MAX_ATTEMPTS" default:"3"`

	// RetryDelay is the wait between delivery attempts (default: 2s)
	RetryDelay time.Duration `env:"BATCH_RETRY_DELAY" default:"2s"`

	// RetryMultiplier grows the delay after each failure; 1 keeps it fixed
	RetryMultiplier float64 `env:"BATCH_RETRY_MULTIPLIER" default:"1"`

	MaxRetryDelay time.Duration `env:"BATCH_MAX_RETRY_DELAY" default:"30s"`

	// SendInterval paces deliveries to stay under provider rate limits (default: 1s)
	SendInterval time.Duration `env:"BATCH_SEND_INTERVAL" default:"1s"`

	// LogBuffer is the number of progress log lines kept per job (default: 500)
	LogBuffer int `env:"BATCH_LOG_BUFFER" default:"500"`

	// JobRetention is how long finished jobs stay queryable (default: 30m)
	JobRetention time.Duration `env:"BATCH_JOB_RETENTION" default:"30m"`

	// FailedRowsPath receives a CSV of failed rows after each run; empty disables it
	FailedRowsPath string `env:"BATCH_FAILED_ROWS_PATH" default:"failed_list.csv"`
}

// RenderConfig holds artifact generation settings.
type RenderConfig struct {
	OutputDir string `env:"RENDER_OUTPUT_DIR" default:"certificates"`

	// UploadDir receives uploaded templates and datasets (default: uploads)
	UploadDir string `env:"RENDER_UPLOAD_DIR" default:"uploads"`

	// Extension is the converter output extension (default: .pdf). Without
	// a converter the artifact keeps the template's extension.
	Extension string `env:"RENDER_EXTENSION" default:".pdf"`

	// Command is an optional converter run on each filled document.
	// {input} and {outdir} are replaced before it runs.
	Command string `env:"RENDER_COMMAND"`

	Timeout time.Duration `env:"RENDER_TIMEOUT" default:"2m"`
}

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Host string `env:"SMTP_HOST" default:"smtp.gmail.com"`
	Port int    `env:"SMTP_PORT" default:"587"`

	// Username and Password, when both set, take precedence over the
	// credentials file
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`

	// CredentialsFile stores sender credentials saved from the UI (default: config.json)
	CredentialsFile string `env:"SMTP_CREDENTIALS_FILE" default:"config.json"`

	// TLS is one of mandatory, opportunistic, none (default: mandatory)
	TLS string `env:"SMTP_TLS" default:"mandatory"`

	Timeout time.Duration `env:"SMTP_TIMEOUT" default:"30s"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey enables X-API-Key checks on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the SMTP server address in host:port format.
func (c *SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
