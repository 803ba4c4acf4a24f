package handler

import (
	"net/http"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"go.uber.org/zap"
)

// tokenHandler handles POST /v1/auth/token (client credentials).
func tokenHandler(auth *service.OpsAuth, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/token")
		defer span.End()

		var req domain.TokenRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if req.ClientID == "" || req.ClientSecret == "" {
			writeError(w, http.StatusBadRequest, "client_id and client_secret are required")
			return
		}

		resp, err := auth.IssueToken(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
