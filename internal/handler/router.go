package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// HealthCheck checks one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the services the router exposes.
type Deps struct {
	Orchestrator *service.Orchestrator
	Webhooks     *service.WebhookService
	Monitor      *service.Monitor
	Sweeper      *service.ExpirySweeper
	Auth         *service.OpsAuth
	Metrics      *observability.Metrics
	Checks       []HealthCheck

	AllowedOrigins []string
	// AllowSimulation exposes the webhook simulator; off in production.
	AllowSimulation bool
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Checks))
	r.Get("/readyz", readyzHandler())
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// Provider push notifications (signature-checked)
		// =============================================
		r.Post("/webhooks/{provider}", webhookHandler(d.Webhooks, logger))

		// =============================================
		// Ops auth
		// =============================================
		r.Post("/auth/token", tokenHandler(d.Auth, logger))

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(d.Auth, logger))

			// =============================================
			// Payment initiation
			// =============================================
			r.Post("/payments/pix", createPaymentHandler(d.Orchestrator, domain.MethodPix, logger))
			r.Post("/payments/boleto", createPaymentHandler(d.Orchestrator, domain.MethodBoleto, logger))
			r.Post("/payments/card", createPaymentHandler(d.Orchestrator, domain.MethodCreditCard, logger))

			// =============================================
			// Transactions
			// =============================================
			r.Get("/transactions", listTransactionsHandler(d.Orchestrator, logger))
			r.Get("/transactions/{id}", getTransactionHandler(d.Orchestrator, logger))
			r.Post("/transactions/{id}/cancel", cancelTransactionHandler(d.Orchestrator, logger))
			r.Post("/transactions/{id}/refund", refundTransactionHandler(d.Orchestrator, logger))
			r.Post("/transactions/{id}/ledger-sync", ledgerSyncHandler(d.Orchestrator, logger))

			// =============================================
			// Reconciliation monitor
			// =============================================
			r.Get("/monitor/status", monitorStatusHandler(d.Monitor))
			r.Get("/monitor/stalled", monitorStalledHandler(d.Monitor, logger))
			r.Get("/monitor/sync-incomplete", monitorSyncIncompleteHandler(d.Monitor, logger))
			r.Post("/monitor/check", monitorCheckHandler(d.Monitor))
			r.Post("/monitor/sweep", expirySweepHandler(d.Sweeper, logger))
			if d.AllowSimulation {
				r.Post("/monitor/simulate-webhook", simulateWebhookHandler(d.Webhooks, logger))
			}
		})
	})

	return r
}

func healthzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "payments-api", Status: "healthy", LastChecked: now},
		}
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			start := time.Now()
			err := c.Check(ctx)
			cancel()

			status := "healthy"
			if err != nil {
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name:        c.Name,
				Status:      status,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
