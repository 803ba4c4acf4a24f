package handler

import (
	"net/http"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"go.uber.org/zap"
)

func monitorStatusHandler(monitor *service.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, monitor.Snapshot())
	}
}

func monitorStalledHandler(monitor *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/monitor/stalled")
		defer span.End()

		txs, err := monitor.Stalled(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeTransactions(w, txs)
	}
}

func monitorSyncIncompleteHandler(monitor *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/monitor/sync-incomplete")
		defer span.End()

		txs, err := monitor.SyncIncomplete(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeTransactions(w, txs)
	}
}

// monitorCheckHandler runs one reconciliation cycle and reports it.
func monitorCheckHandler(monitor *service.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/monitor/check")
		defer span.End()

		writeJSON(w, http.StatusOK, monitor.CheckNow(ctx))
	}
}

func expirySweepHandler(sweeper *service.ExpirySweeper, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/monitor/sweep")
		defer span.End()

		report, err := sweeper.Sweep(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func writeTransactions(w http.ResponseWriter, txs []*domain.Transaction) {
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": txs, "total": len(txs)})
}
