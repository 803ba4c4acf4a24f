package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreatePaymentRequest is what an initiation flow sends to open a
// transaction. Method is implied by the endpoint used.
type CreatePaymentRequest struct {
	OriginType     OriginType      `json:"origin_type"`
	OriginID       string          `json:"origin_id"`
	Provider       Provider        `json:"provider"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	Interest       decimal.Decimal `json:"interest"`
	Penalty        decimal.Decimal `json:"penalty"`
	Discount       decimal.Decimal `json:"discount"`
	Fees           decimal.Decimal `json:"fees"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	Installments   int             `json:"installments,omitempty"`
	DueDate        time.Time       `json:"due_date"`
	Description    string          `json:"description,omitempty"`
	Payer          Payer           `json:"payer"`
	Card           *Card           `json:"card,omitempty"`
	Fiscal         FiscalMetadata  `json:"fiscal"`
}

// Amounts assembles the monetary breakdown.
func (r *CreatePaymentRequest) Amounts() Amounts {
	return Amounts{
		Original: r.OriginalAmount,
		Interest: r.Interest,
		Penalty:  r.Penalty,
		Discount: r.Discount,
		Fees:     r.Fees,
		Final:    r.FinalAmount,
	}
}

// ManualActionRequest carries the operator's reason for a cancel or refund.
type ManualActionRequest struct {
	Reason string `json:"reason"`
}

// SimulateWebhookRequest drives the webhook path without a provider.
type SimulateWebhookRequest struct {
	Provider          Provider `json:"provider"`
	ProviderPaymentID string   `json:"provider_payment_id"`
	Status            Status   `json:"status"`
}
