package config

import (
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every variable Load reads so host environments do not leak
// into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DB_PATH", "DOWNLOAD_DIR",
		"WORKERS", "DEFAULT_CREDIT",
		"MAX_DOWNLOAD_RETRIES", "MAX_DELIVERY_RETRIES",
		"RETRY_DELAY", "RATE_LIMIT_COOLDOWN", "RESPONSE_TIMEOUT",
		"ACQUIRE_TIMEOUT", "POP_TIMEOUT", "SEND_DELAY",
		"DOWNLOAD_PATTERN", "CUTOVER",
		"ALLOWED_TYPES", "IGNORED_TYPES",
		"OPS_ADDR", "LOG_LEVEL", "LOG_PRETTY",
		"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME",
		"OTEL_TRACES_SAMPLER_ARG",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "linkdrop.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
	if cfg.DefaultCredit != 3 {
		t.Errorf("DefaultCredit = %d, want 3", cfg.DefaultCredit)
	}
	if cfg.Cutover != 6*time.Hour {
		t.Errorf("Cutover = %v, want 6h", cfg.Cutover)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %v", cfg.RetryDelay)
	}
	if len(cfg.AllowedTypes) != 0 || len(cfg.IgnoredTypes) != 0 {
		t.Errorf("type filters should default empty: %v / %v", cfg.AllowedTypes, cfg.IgnoredTypes)
	}
	if cfg.LogLevel != "info" || cfg.LogPretty {
		t.Errorf("logging defaults wrong: %q pretty=%v", cfg.LogLevel, cfg.LogPretty)
	}
	if cfg.OTEL.Enabled {
		t.Error("OTEL should default disabled")
	}
	if cfg.OTEL.SampleRatio != 1.0 {
		t.Errorf("SampleRatio = %v, want 1.0", cfg.OTEL.SampleRatio)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_PATH", "/var/lib/linkdrop/ledger.db")
	t.Setenv("WORKERS", "4")
	t.Setenv("DEFAULT_CREDIT", "10")
	t.Setenv("CUTOVER", "23:30")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("ALLOWED_TYPES", "pdf, epub ,zip")
	t.Setenv("IGNORED_TYPES", "exe")
	t.Setenv("LOG_LEVEL", "WARNING")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/linkdrop/ledger.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Workers != 4 || cfg.DefaultCredit != 10 {
		t.Errorf("Workers=%d DefaultCredit=%d", cfg.Workers, cfg.DefaultCredit)
	}
	if cfg.Cutover != 23*time.Hour+30*time.Minute {
		t.Errorf("Cutover = %v", cfg.Cutover)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v", cfg.RetryDelay)
	}
	if got := strings.Join(cfg.AllowedTypes, "|"); got != "pdf|epub|zip" {
		t.Errorf("AllowedTypes = %q", got)
	}
	if got := strings.Join(cfg.IgnoredTypes, "|"); got != "exe" {
		t.Errorf("IgnoredTypes = %q", got)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (normalized)", cfg.LogLevel)
	}
	if !cfg.LogPretty {
		t.Error("LogPretty should parse yes as true")
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.SampleRatio != 0.25 {
		t.Errorf("OTEL = %+v", cfg.OTEL)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKERS", "not-a-number")
	t.Setenv("RETRY_DELAY", "soon")
	t.Setenv("LOG_PRETTY", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want default 2", cfg.Workers)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %v, want default", cfg.RetryDelay)
	}
	if cfg.LogPretty {
		t.Error("unparseable LOG_PRETTY should keep default false")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"empty db path", "DB_PATH", " "},
		{"empty download dir", "DOWNLOAD_DIR", " "},
		{"zero workers", "WORKERS", "0"},
		{"negative credit", "DEFAULT_CREDIT", "-1"},
		{"negative retries", "MAX_DOWNLOAD_RETRIES", "-2"},
		{"empty pattern", "DOWNLOAD_PATTERN", " "},
		{"sample ratio too high", "OTEL_TRACES_SAMPLER_ARG", "1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load should fail for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"00:00", 0, false},
		{"06:00", 6 * time.Hour, false},
		{"23:59", 23*time.Hour + 59*time.Minute, false},
		{"24:00", 0, true},
		{"06:60", 0, true},
		{"0600", 0, true},
		{"six:00", 0, true},
	}
	for _, tc := range cases {
		got, err := parseClock(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseClock(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseClock(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseClock(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMustLoadPanicsOnInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "nope")
	defer func() {
		if recover() == nil {
			t.Fatal("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestSplitCSV(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Errorf("splitCSV(\"\") = %v, want nil", got)
	}
	got := splitCSV(" a, ,b ,c")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("splitCSV = %v", got)
	}
}
