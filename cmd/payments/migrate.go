package main

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/config"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/infra/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the transaction store schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			logger := observability.NewLogger(cfg.LogLevel)
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := store.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) *config.Config {
	envFile, _ := cmd.Flags().GetString("env-file")
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(envFile)
	return config.Load()
}

func logConfig(logger *zap.Logger, cfg *config.Config) {
	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("app_env", cfg.AppEnv),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.Bool("redis_lock", cfg.RedisAddr != ""),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.Bool("supabase_ledger", cfg.SupabaseURL != ""),
		zap.Bool("asaas", cfg.Asaas.Enabled()),
		zap.Bool("mercadopago", cfg.MercadoPago.Enabled()),
		zap.Bool("pagseguro", cfg.PagSeguro.Enabled()),
		zap.Bool("monitor_light_mode", cfg.Monitor.LightMode),
		zap.Duration("webhook_timeout", cfg.Monitor.WebhookTimeout),
		zap.Int("monitor_max_retries", cfg.Monitor.MaxRetries),
		zap.String("expiry_schedule", cfg.ExpirySchedule),
	)
}
