package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// ============================================================
// Enumerations
// ============================================================

// Provider identifies an external payment gateway.
type Provider string

const (
	ProviderAsaas       Provider = "asaas"
	ProviderMercadoPago Provider = "mercadopago"
	ProviderPagSeguro   Provider = "pagseguro"
)

// Providers lists every gateway the engine knows about.
var Providers = []Provider{ProviderAsaas, ProviderMercadoPago, ProviderPagSeguro}

func (p Provider) Valid() bool {
	switch p {
	case ProviderAsaas, ProviderMercadoPago, ProviderPagSeguro:
		return true
	}
	return false
}

// Method is the payment method chosen by the payer.
type Method string

const (
	MethodPix        Method = "pix"
	MethodBoleto     Method = "boleto"
	MethodCreditCard Method = "credit_card"
	MethodDebitCard  Method = "debit_card"
	MethodTransfer   Method = "transfer"
	MethodCash       Method = "cash"
)

func (m Method) Valid() bool {
	switch m {
	case MethodPix, MethodBoleto, MethodCreditCard, MethodDebitCard, MethodTransfer, MethodCash:
		return true
	}
	return false
}

// OriginType is the kind of ledger record a transaction settles.
type OriginType string

const (
	OriginResidentCharge   OriginType = "resident_charge"
	OriginEmployeePayment  OriginType = "employee_payment"
	OriginCondominiumEntry OriginType = "condominium_entry"
)

func (o OriginType) Valid() bool {
	switch o {
	case OriginResidentCharge, OriginEmployeePayment, OriginCondominiumEntry:
		return true
	}
	return false
}

// SyncState tracks the ledger side effect of an approved transaction.
type SyncState string

const (
	SyncNotRequired SyncState = ""
	SyncPending     SyncState = "pending"
	SyncDone        SyncState = "synced"
	SyncIncomplete  SyncState = "incomplete"
)

// ============================================================
// Transaction aggregate
// ============================================================

// Amounts holds the monetary breakdown of a transaction.
// Fees are informational (charged by the gateway to the condominium) and
// do not take part in the final amount.
type Amounts struct {
	Original decimal.Decimal `json:"original_amount"`
	Interest decimal.Decimal `json:"interest"`
	Penalty  decimal.Decimal `json:"penalty"`
	Discount decimal.Decimal `json:"discount"`
	Fees     decimal.Decimal `json:"fees"`
	Final    decimal.Decimal `json:"final_amount"`
}

// ExpectedFinal returns original + interest + penalty - discount.
func (a Amounts) ExpectedFinal() decimal.Decimal {
	return a.Original.Add(a.Interest).Add(a.Penalty).Sub(a.Discount)
}

// Validate checks non-negativity, cent precision and the final amount
// invariant.
func (a Amounts) Validate() error {
	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"original_amount", a.Original},
		{"interest", a.Interest},
		{"penalty", a.Penalty},
		{"discount", a.Discount},
		{"fees", a.Fees},
		{"final_amount", a.Final},
	}
	for _, f := range fields {
		if f.value.IsNegative() {
			return &ErrValidation{Field: f.name, Message: "must not be negative"}
		}
		if !f.value.Equal(f.value.Truncate(2)) {
			return &ErrValidation{Field: f.name, Message: "must have at most two decimal places"}
		}
	}
	if !a.Original.IsPositive() {
		return &ErrValidation{Field: "original_amount", Message: "must be positive"}
	}
	if !a.Final.Equal(a.ExpectedFinal()) {
		return &ErrValidation{
			Field:   "final_amount",
			Message: fmt.Sprintf("expected %s, got %s", a.ExpectedFinal().StringFixed(2), a.Final.StringFixed(2)),
		}
	}
	return nil
}

// FiscalMetadata is carried through untouched.
type FiscalMetadata struct {
	Category      string                     `json:"category"`
	CostCenter    string                     `json:"cost_center,omitempty"`
	WithheldTaxes map[string]decimal.Decimal `json:"withheld_taxes,omitempty"`
}

// PaymentInstructions is what the payer needs to complete the payment.
type PaymentInstructions struct {
	PixQRCode         string     `json:"pix_qr_code,omitempty"`
	PixCopyPaste      string     `json:"pix_copy_paste,omitempty"`
	Barcode           string     `json:"barcode,omitempty"`
	DigitableLine     string     `json:"digitable_line,omitempty"`
	BoletoURL         string     `json:"boleto_url,omitempty"`
	AuthorizationCode string     `json:"authorization_code,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// AuditEntry records one event in the life of a transaction.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Details   string    `json:"details,omitempty"`
	Actor     string    `json:"actor"`
}

// WebhookLogEntry is one raw webhook delivery, stored verbatim.
type WebhookLogEntry struct {
	ID             string          `json:"id"`
	ReceivedAt     time.Time       `json:"received_at"`
	ReportedStatus string          `json:"reported_status"`
	Payload        json.RawMessage `json:"payload"`
}

// Transaction is the engine's record of one payment attempt.
type Transaction struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`

	OriginType OriginType `json:"origin_type"`
	OriginID   string     `json:"origin_id"`

	Amounts Amounts `json:"amounts"`

	Provider          Provider            `json:"provider"`
	Method            Method              `json:"method"`
	ProviderPaymentID string              `json:"provider_payment_id,omitempty"`
	Installments      int                 `json:"installments"`
	Instructions      PaymentInstructions `json:"payment_instructions"`
	Description       string              `json:"description,omitempty"`
	PayerName         string              `json:"payer_name,omitempty"`
	PayerDocument     string              `json:"payer_document,omitempty"`

	Status Status `json:"status"`

	WebhookReceived   bool              `json:"webhook_received"`
	WebhookLog        []WebhookLogEntry `json:"webhook_log"`
	ReconcileAttempts int               `json:"reconcile_attempts"`
	LastPolledAt      *time.Time        `json:"last_polled_at,omitempty"`
	Stalled           bool              `json:"stalled"`

	SyncState    SyncState `json:"sync_state,omitempty"`
	SyncAttempts int       `json:"sync_attempts"`

	AuditLog []AuditEntry `json:"audit_log"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DueDate     time.Time  `json:"due_date"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`

	Fiscal FiscalMetadata `json:"fiscal"`
}

// NewTransactionParams carries what an initiation flow knows up front.
type NewTransactionParams struct {
	OriginType    OriginType
	OriginID      string
	Amounts       Amounts
	Provider      Provider
	Method        Method
	Installments  int
	DueDate       time.Time
	Description   string
	PayerName     string
	PayerDocument string
	Fiscal        FiscalMetadata
	Actor         string
}

// NewTransaction validates params and returns a pending transaction.
func NewTransaction(p NewTransactionParams, now time.Time) (*Transaction, error) {
	if !p.OriginType.Valid() {
		return nil, &ErrValidation{Field: "origin_type", Message: fmt.Sprintf("unknown origin type %q", p.OriginType)}
	}
	if p.OriginID == "" {
		return nil, &ErrValidation{Field: "origin_id", Message: "required"}
	}
	if !p.Provider.Valid() {
		return nil, &ErrValidation{Field: "provider", Message: fmt.Sprintf("unknown provider %q", p.Provider)}
	}
	if !p.Method.Valid() {
		return nil, &ErrValidation{Field: "method", Message: fmt.Sprintf("unknown method %q", p.Method)}
	}
	if p.Installments == 0 {
		p.Installments = 1
	}
	if p.Installments < 1 || p.Installments > 12 {
		return nil, &ErrValidation{Field: "installments", Message: "must be between 1 and 12"}
	}
	if p.Installments > 1 && p.Method != MethodCreditCard {
		return nil, &ErrValidation{Field: "installments", Message: "only credit card payments can be split"}
	}
	if p.Amounts.Final.IsZero() {
		p.Amounts.Final = p.Amounts.ExpectedFinal()
	}
	if err := p.Amounts.Validate(); err != nil {
		return nil, err
	}
	if p.DueDate.IsZero() {
		return nil, &ErrValidation{Field: "due_date", Message: "required"}
	}
	actor := p.Actor
	if actor == "" {
		actor = "system"
	}

	tx := &Transaction{
		ID:            uuid.New().String(),
		OriginType:    p.OriginType,
		OriginID:      p.OriginID,
		Amounts:       p.Amounts,
		Provider:      p.Provider,
		Method:        p.Method,
		Installments:  p.Installments,
		Description:   p.Description,
		PayerName:     p.PayerName,
		PayerDocument: p.PayerDocument,
		Status:        StatusPending,
		WebhookLog:    []WebhookLogEntry{},
		AuditLog:      []AuditEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
		DueDate:       p.DueDate,
		Fiscal:        p.Fiscal,
	}
	tx.Audit(now, EventCreated, fmt.Sprintf("%s via %s for %s", p.Method, p.Provider, p.Amounts.Final.StringFixed(2)), actor)
	return tx, nil
}

// Audit appends an entry to the audit log.
func (t *Transaction) Audit(at time.Time, event, details, actor string) {
	t.AuditLog = append(t.AuditLog, AuditEntry{Timestamp: at, Event: event, Details: details, Actor: actor})
}

// RecordWebhook appends a raw delivery and flags the transaction as notified.
func (t *Transaction) RecordWebhook(at time.Time, reportedStatus string, payload []byte) WebhookLogEntry {
	entry := t.LogWebhook(at, reportedStatus, payload)
	t.WebhookReceived = true
	return entry
}

// LogWebhook appends a raw delivery without flagging the transaction as
// notified. Used for deliveries whose status could not be resolved, so the
// monitor keeps polling.
func (t *Transaction) LogWebhook(at time.Time, reportedStatus string, payload []byte) WebhookLogEntry {
	entry := NewWebhookLogEntry(at, reportedStatus, payload)
	t.WebhookLog = append(t.WebhookLog, entry)
	return entry
}

// NewWebhookLogEntry builds a log entry. Payloads that are not JSON are
// stored as a JSON string.
func NewWebhookLogEntry(at time.Time, reportedStatus string, payload []byte) WebhookLogEntry {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		raw = quoted
	}
	return WebhookLogEntry{
		ID:             ulid.Make().String(),
		ReceivedAt:     at,
		ReportedStatus: reportedStatus,
		Payload:        raw,
	}
}

// RecordPoll bumps the reconciliation counter.
func (t *Transaction) RecordPoll(at time.Time) {
	t.ReconcileAttempts++
	t.LastPolledAt = &at
}

// NeedsLedgerSync reports whether the ledger side effect is still owed.
func (t *Transaction) NeedsLedgerSync() bool {
	return t.Status == StatusApproved && (t.SyncState == SyncPending || t.SyncState == SyncIncomplete)
}

// Clone returns a deep copy so stores never share slices with callers.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.WebhookLog = append([]WebhookLogEntry(nil), t.WebhookLog...)
	c.AuditLog = append([]AuditEntry(nil), t.AuditLog...)
	if t.Fiscal.WithheldTaxes != nil {
		c.Fiscal.WithheldTaxes = make(map[string]decimal.Decimal, len(t.Fiscal.WithheldTaxes))
		for k, v := range t.Fiscal.WithheldTaxes {
			c.Fiscal.WithheldTaxes[k] = v
		}
	}
	c.LastPolledAt = cloneTime(t.LastPolledAt)
	c.ProcessedAt = cloneTime(t.ProcessedAt)
	c.ConfirmedAt = cloneTime(t.ConfirmedAt)
	c.CanceledAt = cloneTime(t.CanceledAt)
	c.Instructions.ExpiresAt = cloneTime(t.Instructions.ExpiresAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
