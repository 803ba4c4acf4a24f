package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
)

// asaasStatus is the payment status vocabulary of the Asaas v3 API.
type asaasStatus string

const (
	asaasPending                 asaasStatus = "PENDING"
	asaasAwaitingRiskAnalysis    asaasStatus = "AWAITING_RISK_ANALYSIS"
	asaasApprovedByRiskAnalysis  asaasStatus = "APPROVED_BY_RISK_ANALYSIS"
	asaasReprovedByRiskAnalysis  asaasStatus = "REPROVED_BY_RISK_ANALYSIS"
	asaasConfirmed               asaasStatus = "CONFIRMED"
	asaasReceived                asaasStatus = "RECEIVED"
	asaasReceivedInCash          asaasStatus = "RECEIVED_IN_CASH"
	asaasOverdue                 asaasStatus = "OVERDUE"
	asaasRefundRequested         asaasStatus = "REFUND_REQUESTED"
	asaasRefundInProgress        asaasStatus = "REFUND_IN_PROGRESS"
	asaasRefunded                asaasStatus = "REFUNDED"
	asaasChargebackRequested     asaasStatus = "CHARGEBACK_REQUESTED"
	asaasChargebackDispute       asaasStatus = "CHARGEBACK_DISPUTE"
	asaasAwaitingChargebackRevrs asaasStatus = "AWAITING_CHARGEBACK_REVERSAL"
	asaasDunningRequested        asaasStatus = "DUNNING_REQUESTED"
	asaasDunningReceived         asaasStatus = "DUNNING_RECEIVED"
)

// asaasEventDeleted is sent when a charge is removed before payment.
const asaasEventDeleted = "PAYMENT_DELETED"

func mapAsaasStatus(raw string) (domain.Status, error) {
	switch asaasStatus(raw) {
	case asaasPending, asaasDunningRequested, asaasOverdue:
		// an overdue boleto can still be paid; only the expiry sweep ends it
		return domain.StatusPending, nil
	case asaasAwaitingRiskAnalysis, asaasApprovedByRiskAnalysis:
		return domain.StatusProcessing, nil
	case asaasConfirmed, asaasReceived, asaasReceivedInCash, asaasDunningReceived,
		asaasRefundRequested, asaasRefundInProgress,
		asaasChargebackRequested, asaasChargebackDispute, asaasAwaitingChargebackRevrs:
		// money is still with the condominium until the refund settles
		return domain.StatusApproved, nil
	case asaasReprovedByRiskAnalysis:
		return domain.StatusRejected, nil
	case asaasRefunded:
		return domain.StatusRefunded, nil
	}
	return "", unknownStatus(domain.ProviderAsaas, raw)
}

// Asaas adapts the Asaas v3 REST API.
type Asaas struct {
	base
}

// NewAsaas creates the adapter. Requests authenticate with the
// access_token header.
func NewAsaas(opts Options) *Asaas {
	return &Asaas{base: newBase(domain.ProviderAsaas, opts, func(req *http.Request) {
		req.Header.Set("access_token", opts.APIKey)
	})}
}

type asaasCustomer struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	CpfCnpj string `json:"cpfCnpj"`
	Email   string `json:"email,omitempty"`
}

type asaasPaymentRequest struct {
	Customer          string      `json:"customer"`
	BillingType       string      `json:"billingType"`
	Value             json.Number `json:"value"`
	DueDate           string      `json:"dueDate"`
	Description       string      `json:"description,omitempty"`
	ExternalReference string      `json:"externalReference"`
	InstallmentCount  int         `json:"installmentCount,omitempty"`
	TotalValue        json.Number `json:"totalValue,omitempty"`
	CreditCardToken   string      `json:"creditCardToken,omitempty"`
}

type asaasPayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	InvoiceURL  string `json:"invoiceUrl"`
	BankSlipURL string `json:"bankSlipUrl"`
}

type asaasPixQRCode struct {
	EncodedImage   string `json:"encodedImage"`
	Payload        string `json:"payload"`
	ExpirationDate string `json:"expirationDate"`
}

type asaasIdentificationField struct {
	IdentificationField string `json:"identificationField"`
	BarCode             string `json:"barCode"`
}

func (a *Asaas) createCustomer(ctx context.Context, payer domain.Payer) (string, error) {
	var out asaasCustomer
	err := a.do(ctx, request{
		operation: "create_customer",
		method:    http.MethodPost,
		path:      "/customers",
		body:      asaasCustomer{Name: payer.Name, CpfCnpj: payer.Document, Email: payer.Email},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", malformed(a.provider, "customer response without id")
	}
	return out.ID, nil
}

func (a *Asaas) createPayment(ctx context.Context, billingType string, req *domain.PaymentRequest) (*asaasPayment, error) {
	customerID, err := a.createCustomer(ctx, req.Payer)
	if err != nil {
		return nil, err
	}

	body := asaasPaymentRequest{
		Customer:          customerID,
		BillingType:       billingType,
		Value:             money(req.Amount),
		DueDate:           req.DueDate.Format("2006-01-02"),
		Description:       req.Description,
		ExternalReference: req.Reference,
	}
	if req.Installments > 1 {
		body.InstallmentCount = req.Installments
		body.TotalValue = money(req.Amount)
	}
	if req.Card != nil {
		body.CreditCardToken = req.Card.Token
	}

	var out asaasPayment
	err = a.do(ctx, request{
		operation:      "create_payment",
		method:         http.MethodPost,
		path:           "/payments",
		body:           body,
		idempotencyKey: req.Reference,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, malformed(a.provider, "payment response without id")
	}
	return &out, nil
}

func (a *Asaas) result(p *asaasPayment, instructions domain.PaymentInstructions) (*domain.PaymentResult, error) {
	status, err := mapAsaasStatus(p.Status)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentResult{
		ProviderPaymentID: p.ID,
		Status:            status,
		RawStatus:         p.Status,
		Instructions:      instructions,
	}, nil
}

// CreatePix creates a PIX charge and fetches its QR code.
func (a *Asaas) CreatePix(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	p, err := a.createPayment(ctx, "PIX", req)
	if err != nil {
		return nil, err
	}

	var qr asaasPixQRCode
	err = a.do(ctx, request{
		operation: "pix_qrcode",
		method:    http.MethodGet,
		path:      "/payments/" + p.ID + "/pixQrCode",
	}, &qr)
	if err != nil {
		return nil, err
	}

	instructions := domain.PaymentInstructions{
		PixQRCode:    qr.EncodedImage,
		PixCopyPaste: qr.Payload,
	}
	if exp, err := time.ParseInLocation("2006-01-02 15:04:05", qr.ExpirationDate, saoPaulo); err == nil {
		instructions.ExpiresAt = &exp
	}
	return a.result(p, instructions)
}

// CreateBoleto creates a boleto and fetches its digitable line.
func (a *Asaas) CreateBoleto(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	p, err := a.createPayment(ctx, "BOLETO", req)
	if err != nil {
		return nil, err
	}

	var field asaasIdentificationField
	err = a.do(ctx, request{
		operation: "boleto_identification",
		method:    http.MethodGet,
		path:      "/payments/" + p.ID + "/identificationField",
	}, &field)
	if err != nil {
		return nil, err
	}

	return a.result(p, domain.PaymentInstructions{
		Barcode:       field.BarCode,
		DigitableLine: field.IdentificationField,
		BoletoURL:     p.BankSlipURL,
	})
}

// ChargeCard charges a tokenized card.
func (a *Asaas) ChargeCard(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	if req.Card == nil || req.Card.Token == "" {
		return nil, &domain.ErrValidation{Field: "card.token", Message: "required"}
	}
	if req.Card.Debit {
		return nil, &domain.ErrValidation{Field: "card.debit", Message: "asaas does not support debit cards"}
	}
	p, err := a.createPayment(ctx, "CREDIT_CARD", req)
	if err != nil {
		return nil, err
	}
	return a.result(p, domain.PaymentInstructions{})
}

// QueryStatus fetches the current status of a payment.
func (a *Asaas) QueryStatus(ctx context.Context, providerPaymentID string) (*domain.StatusReport, error) {
	var p asaasPayment
	err := a.do(ctx, request{
		operation: "query_status",
		method:    http.MethodGet,
		path:      "/payments/" + providerPaymentID,
		notFound:  &domain.ErrNotFound{Resource: "asaas payment", ID: providerPaymentID},
	}, &p)
	if err != nil {
		return nil, err
	}
	status, err := mapAsaasStatus(p.Status)
	if err != nil {
		return nil, err
	}
	return &domain.StatusReport{ProviderPaymentID: providerPaymentID, Status: status, RawStatus: p.Status}, nil
}

// CancelPayment deletes an unpaid charge.
func (a *Asaas) CancelPayment(ctx context.Context, providerPaymentID string) error {
	return a.do(ctx, request{
		operation: "cancel",
		method:    http.MethodDelete,
		path:      "/payments/" + providerPaymentID,
		notFound:  &domain.ErrNotFound{Resource: "asaas payment", ID: providerPaymentID},
	}, nil)
}

// RefundPayment refunds a received payment in full.
func (a *Asaas) RefundPayment(ctx context.Context, providerPaymentID string) error {
	return a.do(ctx, request{
		operation:      "refund",
		method:         http.MethodPost,
		path:           "/payments/" + providerPaymentID + "/refund",
		body:           struct{}{},
		idempotencyKey: "refund-" + providerPaymentID,
		notFound:       &domain.ErrNotFound{Resource: "asaas payment", ID: providerPaymentID},
	}, nil)
}

// VerifyWebhook compares the asaas-access-token header with the
// configured token.
func (a *Asaas) VerifyWebhook(header http.Header, _ []byte, _ time.Time) error {
	if a.webhookSecret == "" {
		return &domain.ErrUnauthorized{Message: "asaas webhook token not configured"}
	}
	token := header.Get("asaas-access-token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.webhookSecret)) != 1 {
		return &domain.ErrUnauthorized{Message: "invalid asaas webhook token"}
	}
	return nil
}

type asaasWebhook struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payment *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
}

// ParseWebhook extracts the payment id and status.
func (a *Asaas) ParseWebhook(body []byte) (*domain.WebhookNotification, error) {
	var hook asaasWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, malformed(a.provider, "invalid json: %v", err)
	}
	if hook.Payment == nil || hook.Payment.ID == "" {
		return nil, malformed(a.provider, "missing payment.id")
	}

	n := &domain.WebhookNotification{
		ProviderPaymentID: hook.Payment.ID,
		ReportedStatus:    hook.Payment.Status,
		RawPayload:        body,
	}
	if hook.Event == asaasEventDeleted {
		n.ReportedStatus = hook.Event
		n.Status = domain.StatusCanceled
		return n, nil
	}
	if n.ReportedStatus == "" {
		return nil, malformed(a.provider, "missing payment.status")
	}
	n.Status, n.StatusErr = mapAsaasStatus(hook.Payment.Status)
	return n, nil
}
