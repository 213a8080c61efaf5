// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the pipeline's
// policy values: worker pool size, credit defaults, retry budgets, the daily
// cutover, file-type filters, storage paths, logging, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "linkdrop")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Storage
	DBPath      string // SQLite ledger path
	DownloadDir string // where the browser layer drops completed files

	// Pipeline
	Workers           int           // pool size = concurrent download bound
	DefaultCredit     int64         // starting balance for new credit holders
	MaxDownloadRetries int          // download state machine retry budget
	MaxDeliveryRetries int          // chat send retry budget
	RetryDelay        time.Duration // fixed pause between retries
	RateLimitCooldown time.Duration // longer pause after a rate-limit signal
	ResponseTimeout   time.Duration // wait for a qualifying network response
	AcquireTimeout    time.Duration // wait for a free execution context
	PopTimeout        time.Duration // queue wait per liveness check
	SendDelay         time.Duration // pacing between chat sends
	DownloadPattern   string        // URL pattern marking the download response

	// Accounting
	Cutover time.Duration // daily cutover as offset from midnight (CUTOVER=HH:MM)

	// Delivery filters
	AllowedTypes []string // file extensions allowed for delivery (empty = all)
	IgnoredTypes []string // file extensions never delivered

	// Ops server
	OpsAddr string // listen address for /healthz and /metrics, "" disables

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

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

// Load reads configuration from the environment (after a best-effort .env
// load), applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		// Storage
		DBPath:      getenv("DB_PATH", "linkdrop.db"),
		DownloadDir: getenv("DOWNLOAD_DIR", "downloads"),

		// Pipeline
		Workers:            getint("WORKERS", 2),
		DefaultCredit:      int64(getint("DEFAULT_CREDIT", 3)),
		MaxDownloadRetries: getint("MAX_DOWNLOAD_RETRIES", 3),
		MaxDeliveryRetries: getint("MAX_DELIVERY_RETRIES", 3),
		RetryDelay:         getdur("RETRY_DELAY", 5*time.Second),
		RateLimitCooldown:  getdur("RATE_LIMIT_COOLDOWN", 60*time.Second),
		ResponseTimeout:    getdur("RESPONSE_TIMEOUT", 30*time.Second),
		AcquireTimeout:     getdur("ACQUIRE_TIMEOUT", 120*time.Second),
		PopTimeout:         getdur("POP_TIMEOUT", 2*time.Second),
		SendDelay:          getdur("SEND_DELAY", 3*time.Second),
		DownloadPattern:    getenv("DOWNLOAD_PATTERN", "/download/"),

		// Delivery filters
		AllowedTypes: splitCSV(getenv("ALLOWED_TYPES", "")),
		IgnoredTypes: splitCSV(getenv("IGNORED_TYPES", "")),

		// Ops server
		OpsAddr: getenv("OPS_ADDR", ":9090"),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "linkdrop"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// Accounting cutover (HH:MM).
	cut, err := parseClock(getenv("CUTOVER", "06:00"))
	if err != nil {
		return cfg, err
	}
	cfg.Cutover = cut

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		return cfg, errors.New("DOWNLOAD_DIR must not be empty")
	}
	if cfg.Workers < 1 {
		return cfg, errors.New("WORKERS must be >= 1")
	}
	if cfg.DefaultCredit < 0 {
		return cfg, errors.New("DEFAULT_CREDIT must be >= 0")
	}
	if cfg.MaxDownloadRetries < 0 || cfg.MaxDeliveryRetries < 0 {
		return cfg, errors.New("retry budgets must be >= 0")
	}
	if cfg.RetryDelay < 0 || cfg.RateLimitCooldown < 0 || cfg.SendDelay < 0 {
		return cfg, errors.New("delays must be >= 0")
	}
	if cfg.ResponseTimeout <= 0 || cfg.AcquireTimeout <= 0 || cfg.PopTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if strings.TrimSpace(cfg.DownloadPattern) == "" {
		return cfg, errors.New("DOWNLOAD_PATTERN must not be empty")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// parseClock converts "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("CUTOVER must be HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("CUTOVER hour out of range in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("CUTOVER minute out of range in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
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
