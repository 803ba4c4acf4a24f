package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/port"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// createPaymentHandler handles POST /v1/payments/{pix|boleto|card}.
func createPaymentHandler(orch *service.Orchestrator, method domain.Method, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/"+string(method))
		defer span.End()

		var req domain.CreatePaymentRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		actor := OperatorFromContext(ctx)
		var (
			tx  *domain.Transaction
			err error
		)
		switch method {
		case domain.MethodPix:
			tx, err = orch.CreatePix(ctx, &req, actor)
		case domain.MethodBoleto:
			tx, err = orch.CreateBoleto(ctx, &req, actor)
		default:
			tx, err = orch.ChargeCard(ctx, &req, actor)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, tx)
	}
}

func getTransactionHandler(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/transactions/{id}")
		defer span.End()

		tx, err := orch.Get(ctx, chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

// listTransactionsHandler handles GET /v1/transactions?status=a,b&provider=x&limit=n.
func listTransactionsHandler(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/transactions")
		defer span.End()

		q := r.URL.Query()
		f := port.TransactionFilter{Limit: parseLimit(r, 100)}
		for _, s := range splitCSV(q.Get("status")) {
			status := domain.Status(s)
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+s)
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
		for _, p := range splitCSV(q.Get("provider")) {
			f.Providers = append(f.Providers, domain.Provider(p))
		}

		txs, err := orch.List(ctx, f)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeTransactions(w, txs)
	}
}

func cancelTransactionHandler(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return manualActionHandler("cancel", orch.Cancel, logger)
}

func refundTransactionHandler(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return manualActionHandler("refund", orch.Refund, logger)
}

func manualActionHandler(
	action string,
	run func(ctx context.Context, id, reason, actor string) (*domain.Transaction, error),
	logger *zap.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transactions/{id}/"+action)
		defer span.End()

		var req domain.ManualActionRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}

		id := chi.URLParam(r, "id")
		actor := OperatorFromContext(ctx)
		tx, err := run(ctx, id, req.Reason, actor)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("manual "+action,
			zap.String("transaction_id", id),
			zap.String("operator", actor),
			zap.String("reason", req.Reason),
		)
		writeJSON(w, http.StatusOK, tx)
	}
}

func ledgerSyncHandler(orch *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transactions/{id}/ledger-sync")
		defer span.End()

		tx, outcome, err := orch.RetryLedgerSync(ctx, chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"outcome":     outcome,
			"transaction": tx,
		})
	}
}

func splitCSV(v string) []string {
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
