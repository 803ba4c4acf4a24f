package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port               int
	LogLevel           string
	AppEnv             string
	CORSAllowedOrigins []string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Observability
	OTLPEndpoint string

	// Storage. Empty DATABASE_URL keeps transactions in memory.
	DatabaseURL string

	// Locking. Empty REDIS_ADDR uses in-process locks.
	RedisAddr     string
	RedisPassword string
	LockWait      time.Duration
	LockTTL       time.Duration

	// Events. Empty KAFKA_BROKERS keeps events in process.
	KafkaBrokers []string
	KafkaTopic   string

	// Ledger (Supabase PostgREST)
	SupabaseURL        string
	SupabaseServiceKey string

	// Gateways
	Asaas       GatewayConfig
	MercadoPago GatewayConfig
	PagSeguro   GatewayConfig

	// Webhook intake
	WebhookMaxDeferred int

	// Reconciliation monitor
	Monitor MonitorConfig

	// Expiry sweep
	ExpirySchedule string
	ExpiryGrace    time.Duration

	// Ops auth
	JWTSecret           string
	JWTTTL              time.Duration
	OpsClientID         string
	OpsClientSecretHash string
}

// GatewayConfig configures one provider adapter.
type GatewayConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	// ReplayWindow bounds the age of a signed webhook timestamp.
	ReplayWindow time.Duration
}

// Enabled reports whether the adapter has credentials.
func (g GatewayConfig) Enabled() bool {
	return g.BaseURL != "" && g.APIKey != ""
}

// MonitorConfig configures the reconciliation monitor.
type MonitorConfig struct {
	Interval       time.Duration
	LightInterval  time.Duration
	LightMode      bool
	WebhookTimeout time.Duration
	MaxRetries     int
	ActiveWindow   time.Duration
	Retention      time.Duration
	Workers        int
	CallTimeout    time.Duration
	CycleBudget    time.Duration
	WatchCapacity  int
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		AppEnv:   getEnv("APP_ENV", "development"),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		LockWait:      getEnvDuration("LOCK_WAIT", 2*time.Second),
		LockTTL:       getEnvDuration("LOCK_TTL", 30*time.Second),

		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "payments.transactions"),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),

		Asaas:       loadGateway("ASAAS", "https://api-sandbox.asaas.com/v3"),
		MercadoPago: loadGateway("MERCADOPAGO", "https://api.mercadopago.com"),
		PagSeguro:   loadGateway("PAGSEGURO", "https://sandbox.api.pagseguro.com"),

		WebhookMaxDeferred: getEnvInt("WEBHOOK_MAX_DEFERRED", 256),

		Monitor: MonitorConfig{
			Interval:       getEnvDuration("MONITOR_INTERVAL", 10*time.Second),
			LightInterval:  getEnvDuration("MONITOR_LIGHT_INTERVAL", 60*time.Second),
			LightMode:      getEnvBool("MONITOR_LIGHT_MODE", false),
			WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 2*time.Minute),
			MaxRetries:     getEnvInt("MONITOR_MAX_RETRIES", 3),
			ActiveWindow:   getEnvDuration("MONITOR_ACTIVE_WINDOW", 24*time.Hour),
			Retention:      getEnvDuration("MONITOR_RETENTION", 24*time.Hour),
			Workers:        getEnvInt("MONITOR_WORKERS", 8),
			CallTimeout:    getEnvDuration("GATEWAY_CALL_TIMEOUT", 15*time.Second),
			CycleBudget:    getEnvDuration("MONITOR_CYCLE_BUDGET", 45*time.Second),
			WatchCapacity:  getEnvInt("WATCHLIST_CAPACITY", 10000),
		},

		ExpirySchedule: getEnv("EXPIRY_SCHEDULE", "@every 5m"),
		ExpiryGrace:    getEnvDuration("EXPIRY_GRACE", 72*time.Hour),

		JWTSecret:           getEnv("JWT_SECRET", "payments-default-dev-secret-change-me"),
		JWTTTL:              getEnvDuration("JWT_TTL", 15*time.Minute),
		OpsClientID:         getEnv("OPS_CLIENT_ID", "ops"),
		OpsClientSecretHash: getEnv("OPS_CLIENT_SECRET_HASH", ""),
	}
}

func loadGateway(prefix, defaultURL string) GatewayConfig {
	return GatewayConfig{
		BaseURL:       getEnv(prefix+"_BASE_URL", defaultURL),
		APIKey:        getEnv(prefix+"_API_KEY", ""),
		WebhookSecret: getEnv(prefix+"_WEBHOOK_SECRET", ""),
		ReplayWindow:  getEnvDuration(prefix+"_REPLAY_WINDOW", 5*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
