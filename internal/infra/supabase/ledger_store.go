package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ledgerTables maps origin types to the application's finance tables.
var ledgerTables = map[domain.OriginType]string{
	domain.OriginResidentCharge:   "financeiro_morador",
	domain.OriginEmployeePayment:  "financeiro_funcionario",
	domain.OriginCondominiumEntry: "financeiro_condominio",
}

// ledgerRow maps the shared columns of the finance tables.
type ledgerRow struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Valor           decimal.Decimal `json:"valor"`
	DataPagamento   *time.Time      `json:"data_pagamento"`
	MetodoPagamento string          `json:"metodo_pagamento"`
	TransacaoID     string          `json:"transacao_id"`
	CondominioID    string          `json:"condominio_id"`
	Descricao       string          `json:"descricao"`
}

func (r ledgerRow) toDomain(t domain.OriginType) *domain.OriginRecord {
	return &domain.OriginRecord{
		Type:            t,
		ID:              r.ID,
		Status:          r.Status,
		Amount:          r.Valor,
		PaidAt:          r.DataPagamento,
		PaymentMethod:   domain.Method(r.MetodoPagamento),
		TransactionRef:  r.TransacaoID,
		CondominiumID:   r.CondominioID,
		DescriptionText: r.Descricao,
	}
}

// LedgerStore implements port.LedgerStore over PostgREST.
type LedgerStore struct {
	client *Client
}

// NewLedgerStore creates a ledger store.
func NewLedgerStore(client *Client) *LedgerStore {
	return &LedgerStore{client: client}
}

func tableFor(t domain.OriginType) (string, error) {
	table, ok := ledgerTables[t]
	if !ok {
		return "", &domain.ErrValidation{Field: "origin_type", Message: fmt.Sprintf("unknown origin type %q", t)}
	}
	return table, nil
}

// FindOrigin loads the record a transaction settles.
func (s *LedgerStore) FindOrigin(ctx context.Context, originType domain.OriginType, originID string) (*domain.OriginRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FindOrigin")
	defer span.End()
	span.SetAttributes(attribute.String("origin.type", string(originType)), attribute.String("origin.id", originID))

	table, err := tableFor(originType)
	if err != nil {
		return nil, err
	}

	var rows []ledgerRow
	err = s.client.call(ctx, "find_origin", func(ctx context.Context) error {
		path := fmt.Sprintf("%s?id=eq.%s&limit=1", table, url.QueryEscape(originID))
		body, err := s.client.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		rows = nil
		if len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("failed to decode %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrOriginNotFound{Type: originType, ID: originID}
	}
	return rows[0].toDomain(originType), nil
}

// MarkPaid settles the origin. The PATCH is guarded by status != pago so
// concurrent or repeated calls never overwrite an existing settlement; a
// guard that matched nothing because the origin is already paid returns
// ErrAlreadyPaid.
func (s *LedgerStore) MarkPaid(ctx context.Context, origin *domain.OriginRecord, paidAt time.Time, method domain.Method, transactionRef string) error {
	ctx, span := tracer.Start(ctx, "Supabase.MarkPaid")
	defer span.End()
	span.SetAttributes(
		attribute.String("origin.type", string(origin.Type)),
		attribute.String("origin.id", origin.ID),
		attribute.String("transaction.id", transactionRef),
	)

	table, err := tableFor(origin.Type)
	if err != nil {
		return err
	}

	patch := map[string]any{
		"status":           domain.LedgerStatusPaid,
		"data_pagamento":   paidAt.UTC().Format(time.RFC3339),
		"metodo_pagamento": string(method),
		"transacao_id":     transactionRef,
	}

	var updated []ledgerRow
	err = s.client.call(ctx, "mark_paid", func(ctx context.Context) error {
		path := fmt.Sprintf("%s?id=eq.%s&status=neq.%s", table, url.QueryEscape(origin.ID), domain.LedgerStatusPaid)
		body, err := s.client.doRequest(ctx, http.MethodPatch, path, patch)
		if err != nil {
			return err
		}
		updated = nil
		if len(body) == 0 {
			return nil
		}
		return json.Unmarshal(body, &updated)
	})
	if err != nil {
		return err
	}

	if len(updated) > 0 {
		s.client.logger.Info("ledger origin marked paid",
			zap.String("table", table),
			zap.String("origin_id", origin.ID),
			zap.String("transaction_id", transactionRef),
		)
		return nil
	}

	// Nothing matched: the record is gone or someone settled it first.
	current, err := s.FindOrigin(ctx, origin.Type, origin.ID)
	if err != nil {
		return err
	}
	if !current.Paid() {
		return &domain.ErrExternalService{
			Service: "supabase/mark_paid",
			Err:     fmt.Errorf("%s %s was not updated", table, origin.ID),
		}
	}
	return &domain.ErrAlreadyPaid{Type: origin.Type, ID: origin.ID}
}
