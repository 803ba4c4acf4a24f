package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// webhookHandler receives provider pushes. Accepted deliveries get 200,
// unknown payments included; only a store failure answers 500.
func webhookHandler(webhooks *service.WebhookService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/webhooks/{provider}")
		defer span.End()

		provider := domain.Provider(chi.URLParam(r, "provider"))
		span.SetAttributes(attribute.String("webhook.provider", string(provider)))

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read body")
			return
		}

		res, err := webhooks.Ingest(ctx, provider, r.Header, body)
		if err != nil {
			var notFound *domain.ErrNotFound
			var unauthorized *domain.ErrUnauthorized
			var malformed *domain.ErrMalformedPayload
			switch {
			case errors.As(err, &notFound):
				writeError(w, http.StatusNotFound, "unknown provider")
			case errors.As(err, &unauthorized):
				writeError(w, http.StatusUnauthorized, "invalid signature")
			case errors.As(err, &malformed):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				logger.Error("webhook processing failed",
					zap.String("provider", string(provider)),
					zap.Error(err),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
			return
		}

		span.SetAttributes(attribute.String("webhook.outcome", string(res.Outcome)))
		writeJSON(w, http.StatusOK, res)
	}
}

func simulateWebhookHandler(webhooks *service.WebhookService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/monitor/simulate-webhook")
		defer span.End()

		var req domain.SimulateWebhookRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		res, err := webhooks.Simulate(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("webhook simulated",
			zap.String("operator", OperatorFromContext(ctx)),
			zap.String("provider_payment_id", req.ProviderPaymentID),
			zap.String("outcome", string(res.Outcome)),
		)
		writeJSON(w, http.StatusOK, res)
	}
}
