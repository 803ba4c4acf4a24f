package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
)

// mpStatus is the payment status vocabulary of the Mercado Pago API.
type mpStatus string

const (
	mpPending     mpStatus = "pending"
	mpAuthorized  mpStatus = "authorized"
	mpInProcess   mpStatus = "in_process"
	mpInMediation mpStatus = "in_mediation"
	mpApproved    mpStatus = "approved"
	mpRejected    mpStatus = "rejected"
	mpCancelled   mpStatus = "cancelled"
	mpRefunded    mpStatus = "refunded"
	mpChargedBack mpStatus = "charged_back"
)

func mapMercadoPagoStatus(raw string) (domain.Status, error) {
	switch mpStatus(raw) {
	case mpPending:
		return domain.StatusPending, nil
	case mpAuthorized, mpInProcess, mpInMediation:
		return domain.StatusProcessing, nil
	case mpApproved:
		return domain.StatusApproved, nil
	case mpRejected:
		return domain.StatusRejected, nil
	case mpCancelled:
		return domain.StatusCanceled, nil
	case mpRefunded, mpChargedBack:
		return domain.StatusRefunded, nil
	}
	return "", unknownStatus(domain.ProviderMercadoPago, raw)
}

// MercadoPago adapts the Mercado Pago v1 payments API.
type MercadoPago struct {
	base
}

// NewMercadoPago creates the adapter. Requests authenticate with a bearer
// access token.
func NewMercadoPago(opts Options) *MercadoPago {
	return &MercadoPago{base: newBase(domain.ProviderMercadoPago, opts, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	})}
}

// flexID decodes ids Mercado Pago sends either as numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type mpIdentification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type mpPayer struct {
	Email          string           `json:"email,omitempty"`
	FirstName      string           `json:"first_name,omitempty"`
	Identification mpIdentification `json:"identification"`
}

type mpPaymentRequest struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	Description       string      `json:"description,omitempty"`
	PaymentMethodID   string      `json:"payment_method_id"`
	ExternalReference string      `json:"external_reference"`
	DateOfExpiration  string      `json:"date_of_expiration,omitempty"`
	Installments      int         `json:"installments,omitempty"`
	Token             string      `json:"token,omitempty"`
	Payer             mpPayer     `json:"payer"`
}

type mpPayment struct {
	ID                 flexID `json:"id"`
	Status             string `json:"status"`
	StatusDetail       string `json:"status_detail"`
	DateOfExpiration   string `json:"date_of_expiration"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
	TransactionDetails struct {
		ExternalResourceURL string `json:"external_resource_url"`
		DigitableLine       string `json:"digitable_line"`
		Barcode             struct {
			Content string `json:"content"`
		} `json:"barcode"`
	} `json:"transaction_details"`
	AuthorizationCode string `json:"authorization_code"`
}

func documentType(doc string) string {
	if len(doc) > 11 {
		return "CNPJ"
	}
	return "CPF"
}

func (m *MercadoPago) create(ctx context.Context, methodID string, req *domain.PaymentRequest) (*mpPayment, error) {
	body := mpPaymentRequest{
		TransactionAmount: money(req.Amount),
		Description:       req.Description,
		PaymentMethodID:   methodID,
		ExternalReference: req.Reference,
		Payer: mpPayer{
			Email:          req.Payer.Email,
			FirstName:      req.Payer.Name,
			Identification: mpIdentification{Type: documentType(req.Payer.Document), Number: req.Payer.Document},
		},
	}
	if req.Card == nil && !req.DueDate.IsZero() {
		body.DateOfExpiration = endOfDay(req.DueDate).Format("2006-01-02T15:04:05.000-07:00")
	}
	if req.Card != nil {
		body.Token = req.Card.Token
		body.Installments = max(req.Installments, 1)
	}

	var out mpPayment
	err := m.do(ctx, request{
		operation:      "create_payment",
		method:         http.MethodPost,
		path:           "/v1/payments",
		body:           body,
		idempotencyKey: req.Reference,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, malformed(m.provider, "payment response without id")
	}
	return &out, nil
}

func (m *MercadoPago) result(p *mpPayment, instructions domain.PaymentInstructions) (*domain.PaymentResult, error) {
	status, err := mapMercadoPagoStatus(p.Status)
	if err != nil {
		return nil, err
	}
	if exp, err := time.Parse(time.RFC3339, p.DateOfExpiration); err == nil {
		instructions.ExpiresAt = &exp
	}
	return &domain.PaymentResult{
		ProviderPaymentID: string(p.ID),
		Status:            status,
		RawStatus:         p.Status,
		Instructions:      instructions,
	}, nil
}

// CreatePix creates a PIX payment; the QR code comes back inline.
func (m *MercadoPago) CreatePix(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	p, err := m.create(ctx, "pix", req)
	if err != nil {
		return nil, err
	}
	data := p.PointOfInteraction.TransactionData
	return m.result(p, domain.PaymentInstructions{
		PixQRCode:    data.QRCodeBase64,
		PixCopyPaste: data.QRCode,
	})
}

// CreateBoleto creates a boleto payment.
func (m *MercadoPago) CreateBoleto(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	p, err := m.create(ctx, "bolbradesco", req)
	if err != nil {
		return nil, err
	}
	details := p.TransactionDetails
	return m.result(p, domain.PaymentInstructions{
		Barcode:       details.Barcode.Content,
		DigitableLine: details.DigitableLine,
		BoletoURL:     details.ExternalResourceURL,
	})
}

// ChargeCard charges a tokenized card. The brand selects the payment method.
func (m *MercadoPago) ChargeCard(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	if req.Card == nil || req.Card.Token == "" {
		return nil, &domain.ErrValidation{Field: "card.token", Message: "required"}
	}
	if req.Card.Brand == "" {
		return nil, &domain.ErrValidation{Field: "card.brand", Message: "required by mercadopago"}
	}
	methodID := strings.ToLower(req.Card.Brand)
	if req.Card.Debit {
		methodID = "deb" + methodID
	}
	p, err := m.create(ctx, methodID, req)
	if err != nil {
		return nil, err
	}
	return m.result(p, domain.PaymentInstructions{AuthorizationCode: p.AuthorizationCode})
}

// QueryStatus fetches the current status of a payment.
func (m *MercadoPago) QueryStatus(ctx context.Context, providerPaymentID string) (*domain.StatusReport, error) {
	var p mpPayment
	err := m.do(ctx, request{
		operation: "query_status",
		method:    http.MethodGet,
		path:      "/v1/payments/" + providerPaymentID,
		notFound:  &domain.ErrNotFound{Resource: "mercadopago payment", ID: providerPaymentID},
	}, &p)
	if err != nil {
		return nil, err
	}
	status, err := mapMercadoPagoStatus(p.Status)
	if err != nil {
		return nil, err
	}
	return &domain.StatusReport{ProviderPaymentID: providerPaymentID, Status: status, RawStatus: p.Status}, nil
}

// CancelPayment cancels a pending or in-process payment.
func (m *MercadoPago) CancelPayment(ctx context.Context, providerPaymentID string) error {
	return m.do(ctx, request{
		operation: "cancel",
		method:    http.MethodPut,
		path:      "/v1/payments/" + providerPaymentID,
		body:      map[string]string{"status": string(mpCancelled)},
		notFound:  &domain.ErrNotFound{Resource: "mercadopago payment", ID: providerPaymentID},
	}, nil)
}

// RefundPayment refunds an approved payment in full.
func (m *MercadoPago) RefundPayment(ctx context.Context, providerPaymentID string) error {
	return m.do(ctx, request{
		operation:      "refund",
		method:         http.MethodPost,
		path:           "/v1/payments/" + providerPaymentID + "/refunds",
		body:           struct{}{},
		idempotencyKey: "refund-" + providerPaymentID,
		notFound:       &domain.ErrNotFound{Resource: "mercadopago payment", ID: providerPaymentID},
	}, nil)
}

type mpWebhook struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID     flexID `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// VerifyWebhook checks the x-signature header: an HMAC-SHA256 over the
// manifest "id:<data.id>;request-id:<x-request-id>;ts:<ts>;", plus the
// replay window on ts.
func (m *MercadoPago) VerifyWebhook(header http.Header, body []byte, now time.Time) error {
	if m.webhookSecret == "" {
		return &domain.ErrUnauthorized{Message: "mercadopago webhook secret not configured"}
	}

	ts, v1 := parseMPSignature(header.Get("x-signature"))
	if ts == "" || v1 == "" {
		return &domain.ErrUnauthorized{Message: "missing or malformed x-signature"}
	}

	var hook mpWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		// the signature covers data.id, so an unreadable body cannot verify
		return &domain.ErrUnauthorized{Message: "cannot read signed fields"}
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;",
		strings.ToLower(string(hook.Data.ID)), header.Get("x-request-id"), ts)
	mac := hmac.New(sha256.New, []byte(m.webhookSecret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(v1))) {
		return &domain.ErrUnauthorized{Message: "invalid mercadopago signature"}
	}

	if m.replayWindow > 0 {
		sent, err := parseUnix(ts)
		if err != nil {
			return &domain.ErrUnauthorized{Message: "invalid signature timestamp"}
		}
		if d := now.Sub(sent); d > m.replayWindow || d < -m.replayWindow {
			return &domain.ErrUnauthorized{Message: "signature timestamp outside replay window"}
		}
	}
	return nil
}

func parseMPSignature(h string) (ts, v1 string) {
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	return ts, v1
}

// parseUnix accepts seconds or milliseconds.
func parseUnix(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n > 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

// ParseWebhook extracts the payment id. The body is signed over the id
// only, so any status it carries is kept as ReportedStatus and the
// authoritative status is always fetched from the API.
func (m *MercadoPago) ParseWebhook(body []byte) (*domain.WebhookNotification, error) {
	var hook mpWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, malformed(m.provider, "invalid json: %v", err)
	}
	if hook.Data.ID == "" {
		return nil, malformed(m.provider, "missing data.id")
	}

	reported := hook.Data.Status
	if reported == "" {
		reported = hook.Action
	}
	return &domain.WebhookNotification{
		ProviderPaymentID: string(hook.Data.ID),
		ReportedStatus:    reported,
		NeedsQuery:        true,
		RawPayload:        body,
	}, nil
}

func endOfDay(t time.Time) time.Time {
	local := t.In(saoPaulo)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, saoPaulo)
}
