package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/config"
	"github.com/boddenberg/condo-payments-go/internal/handler"
	"github.com/boddenberg/condo-payments-go/internal/infra/events"
	"github.com/boddenberg/condo-payments-go/internal/infra/gateway"
	"github.com/boddenberg/condo-payments-go/internal/infra/lock"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/infra/resilience"
	"github.com/boddenberg/condo-payments-go/internal/infra/store"
	"github.com/boddenberg/condo-payments-go/internal/infra/supabase"
	"github.com/boddenberg/condo-payments-go/internal/port"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook intake, reconciliation monitor and expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), loadConfig(cmd))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()
	logConfig(logger, cfg)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var checks []handler.HealthCheck

	// --- Transaction store ---
	var txStore port.TransactionStore
	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		txStore = pg
		checks = append(checks, handler.HealthCheck{Name: "postgres", Check: pg.Ping})
		logger.Info("transaction store: postgres")
	} else {
		txStore = store.NewMemory()
		logger.Warn("transaction store: in memory, data is lost on restart")
	}

	// --- Locks ---
	var locker port.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.LockTTL, cfg.LockWait, logger)
		checks = append(checks, handler.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info("locks: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		locker = lock.NewMemory(cfg.LockWait)
		logger.Info("locks: in process")
	}

	// --- Events ---
	var sink port.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		sink = kp
		logger.Info("events: kafka", zap.String("topic", cfg.KafkaTopic))
	}
	broadcaster := events.NewBroadcaster(sink, logger)
	stopTap := tapEvents(broadcaster, logger)
	defer stopTap()

	// --- Ledger ---
	var ledger port.LedgerStore
	if cfg.SupabaseURL != "" {
		sb := supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase", logger),
			resilienceCfg,
			logger,
		)
		ledger = supabase.NewLedgerStore(sb)
		logger.Info("ledger: supabase", zap.String("supabase_url", cfg.SupabaseURL))
	} else {
		ledger = store.NewMemoryLedger()
		logger.Warn("ledger: in memory, origins must be seeded")
	}

	// --- Gateways ---
	registry := gateway.NewRegistry(buildGateways(cfg, httpClient, resilienceCfg, metrics, logger)...)
	if len(registry.Providers()) == 0 {
		logger.Warn("no payment gateway configured")
	}

	// --- Services ---
	syncer := service.NewLedgerSynchronizer(ledger, metrics, logger)
	processor := service.NewProcessor(txStore, locker, broadcaster, syncer, metrics, logger)
	orch := service.NewOrchestrator(txStore, registry, processor, cfg.Monitor.CallTimeout, logger)
	webhooks := service.NewWebhookService(txStore, registry, processor, cfg.Monitor.CallTimeout, cfg.WebhookMaxDeferred, metrics, logger)
	monitor := service.NewMonitor(txStore, registry, processor, cfg.Monitor, metrics, logger)
	sweeper := service.NewExpirySweeper(txStore, registry, processor, cfg.ExpiryGrace, cfg.Monitor.CallTimeout, logger)
	auth := service.NewOpsAuth(cfg.OpsClientID, cfg.OpsClientSecretHash, cfg.JWTSecret, cfg.JWTTTL, logger)

	if cfg.OpsClientSecretHash == "" {
		logger.Warn("OPS_CLIENT_SECRET_HASH not set, protected routes are unreachable")
	}

	// --- Background work ---
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(monitorCtx)
	}()

	if err := sweeper.Start(cfg.ExpirySchedule); err != nil {
		stopMonitor()
		<-monitorDone
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}

	// --- Router ---
	router := handler.NewRouter(handler.Deps{
		Orchestrator:    orch,
		Webhooks:        webhooks,
		Monitor:         monitor,
		Sweeper:         sweeper,
		Auth:            auth,
		Metrics:         metrics,
		Checks:          checks,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		AllowSimulation: !cfg.Production(),
	}, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	stopMonitor()
	<-monitorDone
	sweeper.Stop()
	webhooks.Close()

	logger.Info("server stopped")
	return runErr
}

func buildGateways(
	cfg *config.Config,
	httpClient *http.Client,
	resilienceCfg resilience.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) []port.Gateway {
	options := func(g config.GatewayConfig) gateway.Options {
		return gateway.Options{
			HTTPClient:    httpClient,
			BaseURL:       g.BaseURL,
			APIKey:        g.APIKey,
			WebhookSecret: g.WebhookSecret,
			ReplayWindow:  g.ReplayWindow,
			Resilience:    resilienceCfg,
			Metrics:       metrics,
			Logger:        logger,
		}
	}

	var out []port.Gateway
	if cfg.Asaas.Enabled() {
		out = append(out, gateway.NewAsaas(options(cfg.Asaas)))
	}
	if cfg.MercadoPago.Enabled() {
		out = append(out, gateway.NewMercadoPago(options(cfg.MercadoPago)))
	}
	if cfg.PagSeguro.Enabled() {
		out = append(out, gateway.NewPagSeguro(options(cfg.PagSeguro)))
	}
	return out
}

// tapEvents logs every transaction event at debug level.
func tapEvents(b *events.Broadcaster, logger *zap.Logger) func() {
	ch, cancel := b.Subscribe(256)
	go func() {
		for ev := range ch {
			logger.Debug("transaction event",
				zap.String("type", ev.Type),
				zap.String("transaction_id", ev.TransactionID),
			)
		}
	}()
	return cancel
}
