// Package config loads the import service configuration from environment
// variables, applying defaults and validating everything at startup so a
// misconfigured process fails fast.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Import    ImportConfig
	Reference ReferenceConfig
	Rate      RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request, upload included (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing a response (default: 0, no limit)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, running imports included (default: 60s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"60s"`

	// RequestTimeout is the middleware timeout for non-import requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies the embedded schema at startup (default: false)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"false"`

	// EnumCacheTTL is how long enumeration lookups are cached (default: 5m)
	EnumCacheTTL time.Duration `env:"DB_ENUM_CACHE_TTL" default:"5m"`
}

// ImportConfig holds contact import settings.
type ImportConfig struct {
	// MaxFileSize is the largest accepted upload in bytes (default: 20MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"20971520"`

	// PreviewRows is the number of rows returned by the preview (default: 20)
	PreviewRows int `env:"IMPORT_PREVIEW_ROWS" default:"20"`

	// CanonicalDir holds canonical streams between preview and process
	CanonicalDir string `env:"IMPORT_CANONICAL_DIR" default:"data/imports"`

	// ReportDir holds rendered reject reports
	ReportDir string `env:"IMPORT_REPORT_DIR" default:"data/reports"`

	// HandleTTL is how long an unprocessed canonical stream is kept (default: 2h)
	HandleTTL time.Duration `env:"IMPORT_HANDLE_TTL" default:"2h"`

	// ReportTTL is how long a reject report stays downloadable (default: 24h)
	ReportTTL time.Duration `env:"IMPORT_REPORT_TTL" default:"24h"`

	// SweepInterval is how often expired streams and reports are removed (default: 15m)
	SweepInterval time.Duration `env:"IMPORT_SWEEP_INTERVAL" default:"15m"`

	// MaxConcurrent is the maximum number of process jobs at once (default: 2)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"2"`

	// MaxWaitTime is how long a job waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// Timeout bounds one process job (default: 30m)
	Timeout time.Duration `env:"IMPORT_TIMEOUT" default:"30m"`

	// ForceTab reads delimited files as tab-separated unless the request says otherwise
	ForceTab bool `env:"IMPORT_FORCE_TAB" default:"false"`
}

// ReferenceConfig holds obfuscated contact reference settings.
type ReferenceConfig struct {
	// Secret keys the HMAC prefix of references (required)
	Secret string `env:"REFERENCE_SECRET" required:"true"`

	// Strict rejects references whose prefix does not verify (default: false)
	Strict bool `env:"REFERENCE_STRICT" default:"false"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the sustained rate per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// Burst is the number of requests allowed above the sustained rate (default: 20)
	Burst int `env:"RATE_LIMIT_BURST" default:"20"`

	// ImportPerMinute is the rate per IP for preview and process (default: 10)
	ImportPerMinute int `env:"RATE_LIMIT_IMPORT" default:"10"`

	// ImportBurst is the import burst per IP; a preview and its process
	// count against it together (default: 5, minimum 2)
	ImportBurst int `env:"RATE_LIMIT_IMPORT_BURST" default:"5"`

	// TrustedProxies lists proxy CIDRs allowed to set X-Forwarded-For
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
	return c.Host + ":" + strconv.Itoa(c.Port)
}
