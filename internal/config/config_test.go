package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.Monitor.WebhookTimeout != 2*time.Minute {
		t.Errorf("expected webhook timeout 2m, got %s", cfg.Monitor.WebhookTimeout)
	}
	if cfg.Monitor.MaxRetries != 3 {
		t.Errorf("expected 3 monitor retries, got %d", cfg.Monitor.MaxRetries)
	}
	if cfg.ExpirySchedule != "@every 5m" {
		t.Errorf("unexpected expiry schedule %q", cfg.ExpirySchedule)
	}
	if cfg.KafkaBrokers != nil {
		t.Errorf("expected no brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MONITOR_LIGHT_MODE", "true")
	t.Setenv("MONITOR_WORKERS", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ASAAS_API_KEY", "key")
	t.Setenv("APP_ENV", "production")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com")
	t.Setenv("WEBHOOK_MAX_DEFERRED", "16")

	cfg := Load()

	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "https://admin.example.com" {
		t.Errorf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.WebhookMaxDeferred != 16 {
		t.Errorf("expected 16 deferred, got %d", cfg.WebhookMaxDeferred)
	}

	if !cfg.Monitor.LightMode {
		t.Error("expected light mode")
	}
	if cfg.Monitor.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Monitor.Workers)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if !cfg.Asaas.Enabled() {
		t.Error("expected asaas enabled")
	}
	if cfg.MercadoPago.Enabled() {
		t.Error("expected mercadopago disabled without key")
	}
	if !cfg.Production() {
		t.Error("expected production")
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("MONITOR_INTERVAL", "soon")
	t.Setenv("MONITOR_LIGHT_MODE", "maybe")

	cfg := Load()

	if cfg.Monitor.Interval != 10*time.Second {
		t.Errorf("expected fallback 10s, got %s", cfg.Monitor.Interval)
	}
	if cfg.Monitor.LightMode {
		t.Error("expected fallback false")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nPAYMENTS_TEST_A=from_file\nPAYMENTS_TEST_B=\"quoted\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PAYMENTS_TEST_A", "from_env")
	os.Unsetenv("PAYMENTS_TEST_B")
	t.Cleanup(func() { os.Unsetenv("PAYMENTS_TEST_B") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("PAYMENTS_TEST_A"); got != "from_env" {
		t.Errorf("env should win, got %q", got)
	}
	if got := os.Getenv("PAYMENTS_TEST_B"); got != "quoted" {
		t.Errorf("expected quoted, got %q", got)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
}
