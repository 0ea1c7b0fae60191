// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for both
// processes: the HTTP API (server timeouts, rate limiting, CORS) and the
// broadcast worker (queue, mail transport, batching, maintenance schedule).
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME; empty derives one per process
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and locates the relational store.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file path
	URL    string // Postgres DSN
}

// QueueConfig locates the Redis instance backing the job queue.
type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string        // queue name broadcasts are routed to
	Retention     time.Duration // how long finished jobs are kept for dedup/inspection
}

// MailConfig configures the outbound mail transport.
type MailConfig struct {
	Driver   string // log|smtp
	Host     string
	Port     int
	Username string
	Password string
	TLS      string // mandatory|opportunistic|none
	From     string
	BaseURL  string // public URL used for links in emails
}

// BroadcastConfig tunes the worker's batch loop.
type BroadcastConfig struct {
	PageSize   int
	BatchDelay time.Duration
	JobTimeout time.Duration
}

// TokenConfig controls the periodic token allowance reset.
type TokenConfig struct {
	ResetSchedule  string // cron spec or descriptor; empty disables
	ResetAllowance int
}

// WorkerConfig holds settings specific to the worker process.
type WorkerConfig struct {
	MetricsPort     string
	ShutdownTimeout time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DB DBConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Broadcast pipeline
	Queue     QueueConfig
	Mail      MailConfig
	Broadcast BroadcastConfig
	Tokens    TokenConfig
	Worker    WorkerConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "app.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Queue
		Queue: QueueConfig{
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getint("REDIS_DB", 0),
			Name:          getenv("QUEUE_NAME", "broadcasts"),
			Retention:     getdur("JOB_RETENTION", 24*time.Hour),
		},

		// Mail
		Mail: MailConfig{
			Driver:   strings.ToLower(getenv("MAIL_DRIVER", "log")),
			Host:     getenv("SMTP_HOST", ""),
			Port:     getint("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			TLS:      strings.ToLower(getenv("SMTP_TLS", "mandatory")),
			From:     getenv("MAIL_FROM", "Campus Market <no-reply@campus.local>"),
			BaseURL:  strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:3000"), "/"),
		},

		// Broadcast batching
		Broadcast: BroadcastConfig{
			PageSize:   getint("BROADCAST_PAGE_SIZE", 50),
			BatchDelay: getdur("BROADCAST_BATCH_DELAY", time.Second),
			JobTimeout: getdur("BROADCAST_JOB_TIMEOUT", 10*time.Minute),
		},

		// Tokens
		Tokens: TokenConfig{
			ResetSchedule:  strings.TrimSpace(getenvAllowEmpty("TOKEN_RESET_SCHEDULE", "@monthly")),
			ResetAllowance: getint("TOKEN_RESET_ALLOWANCE", 1),
		},

		// Worker
		Worker: WorkerConfig{
			MetricsPort:     getenv("WORKER_METRICS_PORT", "9091"),
			ShutdownTimeout: getdur("SHUTDOWN_TIMEOUT", 30*time.Second),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", ""), // empty: campus-market-<component>
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if strings.TrimSpace(cfg.Queue.RedisAddr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.Queue.Name) == "" {
		return cfg, errors.New("QUEUE_NAME must not be empty")
	}
	if cfg.Queue.Retention < 0 {
		return cfg, errors.New("JOB_RETENTION must be >= 0")
	}
	switch cfg.Mail.Driver {
	case "log":
	case "smtp":
		if strings.TrimSpace(cfg.Mail.Host) == "" {
			return cfg, errors.New("SMTP_HOST is required when MAIL_DRIVER=smtp")
		}
		if cfg.Mail.Port <= 0 || cfg.Mail.Port > 65535 {
			return cfg, errors.New("SMTP_PORT must be in [1,65535]")
		}
	default:
		return cfg, errors.New("MAIL_DRIVER must be one of: log, smtp")
	}
	switch cfg.Mail.TLS {
	case "mandatory", "opportunistic", "none":
	default:
		return cfg, errors.New("SMTP_TLS must be one of: mandatory, opportunistic, none")
	}
	if strings.TrimSpace(cfg.Mail.From) == "" {
		return cfg, errors.New("MAIL_FROM must not be empty")
	}
	if cfg.Broadcast.PageSize < 1 {
		return cfg, errors.New("BROADCAST_PAGE_SIZE must be >= 1")
	}
	if cfg.Broadcast.BatchDelay < 0 {
		return cfg, errors.New("BROADCAST_BATCH_DELAY must be >= 0")
	}
	if cfg.Broadcast.JobTimeout <= 0 {
		return cfg, errors.New("BROADCAST_JOB_TIMEOUT must be > 0")
	}
	if cfg.Tokens.ResetAllowance < 0 {
		return cfg, errors.New("TOKEN_RESET_ALLOWANCE must be >= 0")
	}
	if cfg.Worker.ShutdownTimeout <= 0 {
		return cfg, errors.New("SHUTDOWN_TIMEOUT must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

// getenvAllowEmpty is like getenv but treats an explicitly empty variable
// as a value (used to disable optional features).
func getenvAllowEmpty(k, def string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
