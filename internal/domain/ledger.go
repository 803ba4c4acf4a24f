package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger status values as stored by the condominium application.
const (
	LedgerStatusPending = "pendente"
	LedgerStatusPaid    = "pago"
)

// OriginRecord is the financial record a transaction settles
// (FinanceiroMorador, FinanceiroFuncionario or FinanceiroCondominio).
type OriginRecord struct {
	Type            OriginType      `json:"type"`
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	PaidAt          *time.Time      `json:"data_pagamento,omitempty"`
	PaymentMethod   Method          `json:"metodo_pagamento,omitempty"`
	TransactionRef  string          `json:"transacao_id,omitempty"`
	CondominiumID   string          `json:"condominio_id,omitempty"`
	DescriptionText string          `json:"descricao,omitempty"`
}

// Paid reports whether the origin is already settled.
func (o *OriginRecord) Paid() bool {
	return o.Status == LedgerStatusPaid
}

// SyncOutcome is the result of one ledger synchronization attempt.
type SyncOutcome string

const (
	SyncOutcomeMarkedPaid    SyncOutcome = "marked_paid"
	SyncOutcomeAlreadyPaid   SyncOutcome = "already_paid"
	SyncOutcomeOriginMissing SyncOutcome = "origin_missing"
	SyncOutcomeFailed        SyncOutcome = "failed"
	SyncOutcomeSkipped       SyncOutcome = "skipped"
)
