package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestTransaction(t *testing.T) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction(domain.NewTransactionParams{
		OriginType: domain.OriginResidentCharge,
		OriginID:   "fm-1",
		Amounts:    domain.Amounts{Original: dec("50.00")},
		Provider:   domain.ProviderAsaas,
		Method:     domain.MethodPix,
		DueDate:    time.Now().Add(24 * time.Hour),
		Actor:      "tester",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	return tx
}

func TestAmounts_Validate(t *testing.T) {
	tests := []struct {
		name    string
		amounts domain.Amounts
		field   string
	}{
		{"valid", domain.Amounts{Original: dec("100"), Interest: dec("2.50"), Penalty: dec("2"), Discount: dec("4.50"), Fees: dec("1.99"), Final: dec("100")}, ""},
		{"final mismatch", domain.Amounts{Original: dec("100"), Interest: dec("1"), Final: dec("100")}, "final_amount"},
		{"zero original", domain.Amounts{Original: dec("0"), Final: dec("0")}, "original_amount"},
		{"negative penalty", domain.Amounts{Original: dec("10"), Penalty: dec("-1"), Final: dec("9")}, "penalty"},
		{"sub-cent original", domain.Amounts{Original: dec("10.005"), Final: dec("10.005")}, "original_amount"},
		{"sub-cent fees", domain.Amounts{Original: dec("10"), Fees: dec("0.001"), Final: dec("10")}, "fees"},
		{"trailing zeros", domain.Amounts{Original: dec("10.500"), Final: dec("10.5")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.amounts.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *domain.ErrValidation
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestNewTransaction(t *testing.T) {
	tx := newTestTransaction(t)

	if tx.ID == "" || tx.Status != domain.StatusPending || tx.Installments != 1 {
		t.Errorf("tx = %+v", tx)
	}
	if !tx.Amounts.Final.Equal(dec("50")) {
		t.Errorf("final = %s, want derived 50", tx.Amounts.Final)
	}
	if len(tx.AuditLog) != 1 || tx.AuditLog[0].Event != domain.EventCreated || tx.AuditLog[0].Actor != "tester" {
		t.Errorf("audit log = %+v", tx.AuditLog)
	}
	if tx.WebhookLog == nil {
		t.Error("webhook log should be an empty slice, not nil")
	}
}

func TestNewTransaction_Rejects(t *testing.T) {
	valid := domain.NewTransactionParams{
		OriginType: domain.OriginCondominiumEntry,
		OriginID:   "fc-1",
		Amounts:    domain.Amounts{Original: dec("10")},
		Provider:   domain.ProviderMercadoPago,
		Method:     domain.MethodCreditCard,
		DueDate:    time.Now(),
	}

	tests := []struct {
		name   string
		mutate func(p *domain.NewTransactionParams)
		field  string
	}{
		{"provider", func(p *domain.NewTransactionParams) { p.Provider = "stripe" }, "provider"},
		{"method", func(p *domain.NewTransactionParams) { p.Method = "cheque" }, "method"},
		{"too many installments", func(p *domain.NewTransactionParams) { p.Installments = 13 }, "installments"},
		{"no due date", func(p *domain.NewTransactionParams) { p.DueDate = time.Time{} }, "due_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			_, err := domain.NewTransaction(p, time.Now())
			var ve *domain.ErrValidation
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}

	p := valid
	p.Installments = 12
	if _, err := domain.NewTransaction(p, time.Now()); err != nil {
		t.Errorf("12 card installments should be allowed: %v", err)
	}
}

func TestRecordWebhook(t *testing.T) {
	tx := newTestTransaction(t)
	at := time.Now()

	tx.LogWebhook(at, "WEIRD", []byte("not json"))
	if tx.WebhookReceived {
		t.Error("LogWebhook must not flag the webhook as received")
	}

	entry := tx.RecordWebhook(at, "RECEIVED", []byte(`{"event":"PAYMENT_RECEIVED"}`))
	if !tx.WebhookReceived {
		t.Error("RecordWebhook should flag the webhook as received")
	}
	if len(tx.WebhookLog) != 2 || entry.ID == "" || entry.ID == tx.WebhookLog[0].ID {
		t.Errorf("webhook log = %+v", tx.WebhookLog)
	}

	var raw string
	if err := json.Unmarshal(tx.WebhookLog[0].Payload, &raw); err != nil || raw != "not json" {
		t.Errorf("non-JSON payload should be stored as a string, got %s", tx.WebhookLog[0].Payload)
	}
}

func TestRecordPoll(t *testing.T) {
	tx := newTestTransaction(t)
	at := time.Now()
	tx.RecordPoll(at)
	tx.RecordPoll(at.Add(time.Minute))

	if tx.ReconcileAttempts != 2 || tx.LastPolledAt == nil || !tx.LastPolledAt.Equal(at.Add(time.Minute)) {
		t.Errorf("attempts = %d, last = %v", tx.ReconcileAttempts, tx.LastPolledAt)
	}
}

func TestClone_IsDeep(t *testing.T) {
	tx := newTestTransaction(t)
	tx.Fiscal.WithheldTaxes = map[string]decimal.Decimal{"iss": dec("2.50")}
	tx.RecordPoll(time.Now())

	c := tx.Clone()
	c.Audit(time.Now(), "extra", "", "x")
	c.Fiscal.WithheldTaxes["iss"] = dec("0")
	*c.LastPolledAt = time.Time{}

	if len(tx.AuditLog) != 1 {
		t.Error("audit log shared with clone")
	}
	if !tx.Fiscal.WithheldTaxes["iss"].Equal(dec("2.50")) {
		t.Error("withheld taxes shared with clone")
	}
	if tx.LastPolledAt.IsZero() {
		t.Error("last polled at shared with clone")
	}
}
