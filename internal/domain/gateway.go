package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Gateway DTOs (normalized, provider independent)
// ============================================================

// Payer identifies who pays.
type Payer struct {
	Name     string `json:"name"`
	Document string `json:"document"`
	Email    string `json:"email,omitempty"`
}

// Card carries an already tokenized card; tokenization is the gateway's job.
type Card struct {
	Token  string `json:"token"`
	Brand  string `json:"brand,omitempty"`
	Holder string `json:"holder,omitempty"`
	Debit  bool   `json:"debit"`
}

// PaymentRequest is the normalized request every adapter accepts.
type PaymentRequest struct {
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	Payer        Payer           `json:"payer"`
	DueDate      time.Time       `json:"due_date"`
	Description  string          `json:"description,omitempty"`
	Installments int             `json:"installments,omitempty"`
	Card         *Card           `json:"card,omitempty"`
}

// PaymentResult is the normalized creation response.
type PaymentResult struct {
	ProviderPaymentID string              `json:"provider_payment_id"`
	Status            Status              `json:"status"`
	RawStatus         string              `json:"raw_status"`
	Instructions      PaymentInstructions `json:"payment_instructions"`
}

// StatusReport is the normalized answer to a status query.
type StatusReport struct {
	ProviderPaymentID string `json:"provider_payment_id"`
	Status            Status `json:"status"`
	RawStatus         string `json:"raw_status"`
}

// WebhookNotification is a parsed, verified push from a provider.
// Status is empty when the provider string has no canonical mapping;
// StatusErr then carries the ErrUnknownStatus. NeedsQuery is set for
// providers whose pushes only carry the payment id.
type WebhookNotification struct {
	ProviderPaymentID string
	ReportedStatus    string
	Status            Status
	StatusErr         error
	NeedsQuery        bool
	RawPayload        []byte
}
