package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
)

// psStatus is the charge status vocabulary of the PagSeguro orders API.
type psStatus string

const (
	psWaiting    psStatus = "WAITING"
	psInAnalysis psStatus = "IN_ANALYSIS"
	psAuthorized psStatus = "AUTHORIZED"
	psPaid       psStatus = "PAID"
	psDeclined   psStatus = "DECLINED"
	psCanceled   psStatus = "CANCELED"
)

func mapPagSeguroStatus(raw string) (domain.Status, error) {
	switch psStatus(raw) {
	case psWaiting:
		return domain.StatusPending, nil
	case psInAnalysis, psAuthorized:
		return domain.StatusProcessing, nil
	case psPaid:
		return domain.StatusApproved, nil
	case psDeclined:
		return domain.StatusRejected, nil
	case psCanceled:
		return domain.StatusCanceled, nil
	}
	return "", unknownStatus(domain.ProviderPagSeguro, raw)
}

// PagSeguro adapts the PagSeguro orders API. The provider payment id is the
// order id; status comes from the order's latest charge.
type PagSeguro struct {
	base
}

// NewPagSeguro creates the adapter. Requests authenticate with a bearer token.
func NewPagSeguro(opts Options) *PagSeguro {
	return &PagSeguro{base: newBase(domain.ProviderPagSeguro, opts, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	})}
}

type psAmount struct {
	Value    int64            `json:"value"`
	Currency string           `json:"currency,omitempty"`
	Summary  *psAmountSummary `json:"summary,omitempty"`
}

// psAmountSummary is reported on charges, never sent.
type psAmountSummary struct {
	Total    int64 `json:"total"`
	Paid     int64 `json:"paid"`
	Refunded int64 `json:"refunded"`
}

type psHolder struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
	Email string `json:"email,omitempty"`
}

type psPaymentMethod struct {
	Type         string `json:"type"`
	Installments int    `json:"installments,omitempty"`
	Capture      bool   `json:"capture,omitempty"`
	Card         *struct {
		Encrypted string `json:"encrypted"`
	} `json:"card,omitempty"`
	Boleto *struct {
		DueDate string   `json:"due_date"`
		Holder  psHolder `json:"holder"`
	} `json:"boleto,omitempty"`
}

type psChargeRequest struct {
	ReferenceID   string          `json:"reference_id"`
	Description   string          `json:"description,omitempty"`
	Amount        psAmount        `json:"amount"`
	PaymentMethod psPaymentMethod `json:"payment_method"`
}

type psQRCodeRequest struct {
	Amount         psAmount `json:"amount"`
	ExpirationDate string   `json:"expiration_date,omitempty"`
}

type psItem struct {
	ReferenceID string `json:"reference_id"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitAmount  int64  `json:"unit_amount"`
}

type psOrderRequest struct {
	ReferenceID string            `json:"reference_id"`
	Customer    psHolder          `json:"customer"`
	Items       []psItem          `json:"items"`
	QRCodes     []psQRCodeRequest `json:"qr_codes,omitempty"`
	Charges     []psChargeRequest `json:"charges,omitempty"`
}

type psLink struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Media string `json:"media"`
}

type psCharge struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	Amount        psAmount `json:"amount"`
	PaymentMethod struct {
		Boleto struct {
			Barcode          string `json:"barcode"`
			FormattedBarcode string `json:"formatted_barcode"`
		} `json:"boleto"`
	} `json:"payment_method"`
	PaymentResponse struct {
		Reference string `json:"reference"`
	} `json:"payment_response"`
	Links []psLink `json:"links"`
}

type psOrder struct {
	ID      string `json:"id"`
	QRCodes []struct {
		Text           string   `json:"text"`
		ExpirationDate string   `json:"expiration_date"`
		Links          []psLink `json:"links"`
	} `json:"qr_codes"`
	Charges []psCharge `json:"charges"`
}

// latestCharge returns the last charge, or nil for an order without one.
func (o *psOrder) latestCharge() *psCharge {
	if len(o.Charges) == 0 {
		return nil
	}
	return &o.Charges[len(o.Charges)-1]
}

// rawStatus is the latest charge status; a bare order is still WAITING.
func (o *psOrder) rawStatus() string {
	if c := o.latestCharge(); c != nil {
		return c.Status
	}
	return string(psWaiting)
}

// status maps the latest charge. PagSeguro reports a refund as CANCELED,
// so a canceled charge that had been paid is a refund.
func (o *psOrder) status() (domain.Status, string, error) {
	raw := o.rawStatus()
	status, err := mapPagSeguroStatus(raw)
	if err != nil {
		return "", raw, err
	}
	if status == domain.StatusCanceled {
		if c := o.latestCharge(); c != nil && c.Amount.Summary != nil &&
			(c.Amount.Summary.Paid > 0 || c.Amount.Summary.Refunded > 0) {
			return domain.StatusRefunded, raw, nil
		}
	}
	return status, raw, nil
}

func cents(req *domain.PaymentRequest) int64 {
	return req.Amount.Shift(2).Round(0).IntPart()
}

func (p *PagSeguro) baseOrder(req *domain.PaymentRequest) psOrderRequest {
	name := req.Description
	if name == "" {
		name = "Condominium payment"
	}
	return psOrderRequest{
		ReferenceID: req.Reference,
		Customer:    psHolder{Name: req.Payer.Name, TaxID: req.Payer.Document, Email: req.Payer.Email},
		Items:       []psItem{{ReferenceID: req.Reference, Name: name, Quantity: 1, UnitAmount: cents(req)}},
	}
}

func (p *PagSeguro) createOrder(ctx context.Context, body psOrderRequest) (*psOrder, error) {
	var out psOrder
	err := p.do(ctx, request{
		operation:      "create_order",
		method:         http.MethodPost,
		path:           "/orders",
		body:           body,
		idempotencyKey: body.ReferenceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, malformed(p.provider, "order response without id")
	}
	return &out, nil
}

func (p *PagSeguro) result(o *psOrder, instructions domain.PaymentInstructions) (*domain.PaymentResult, error) {
	status, raw, err := o.status()
	if err != nil {
		return nil, err
	}
	return &domain.PaymentResult{
		ProviderPaymentID: o.ID,
		Status:            status,
		RawStatus:         raw,
		Instructions:      instructions,
	}, nil
}

// CreatePix creates an order with a QR code.
func (p *PagSeguro) CreatePix(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	body := p.baseOrder(req)
	qr := psQRCodeRequest{Amount: psAmount{Value: cents(req)}}
	if !req.DueDate.IsZero() {
		qr.ExpirationDate = endOfDay(req.DueDate).Format(time.RFC3339)
	}
	body.QRCodes = []psQRCodeRequest{qr}

	order, err := p.createOrder(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(order.QRCodes) == 0 {
		return nil, malformed(p.provider, "pix order without qr code")
	}

	code := order.QRCodes[0]
	instructions := domain.PaymentInstructions{PixCopyPaste: code.Text}
	for _, l := range code.Links {
		if l.Rel == "QRCODE.PNG" {
			instructions.PixQRCode = l.Href
		}
	}
	if exp, err := time.Parse(time.RFC3339, code.ExpirationDate); err == nil {
		instructions.ExpiresAt = &exp
	}
	return p.result(order, instructions)
}

// CreateBoleto creates an order with a boleto charge.
func (p *PagSeguro) CreateBoleto(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	body := p.baseOrder(req)
	method := psPaymentMethod{Type: "BOLETO"}
	method.Boleto = &struct {
		DueDate string   `json:"due_date"`
		Holder  psHolder `json:"holder"`
	}{
		DueDate: req.DueDate.In(saoPaulo).Format("2006-01-02"),
		Holder:  body.Customer,
	}
	body.Charges = []psChargeRequest{{
		ReferenceID:   req.Reference,
		Description:   req.Description,
		Amount:        psAmount{Value: cents(req), Currency: "BRL"},
		PaymentMethod: method,
	}}

	order, err := p.createOrder(ctx, body)
	if err != nil {
		return nil, err
	}

	var instructions domain.PaymentInstructions
	if c := order.latestCharge(); c != nil {
		instructions.Barcode = c.PaymentMethod.Boleto.Barcode
		instructions.DigitableLine = c.PaymentMethod.Boleto.FormattedBarcode
		for _, l := range c.Links {
			if l.Media == "application/pdf" {
				instructions.BoletoURL = l.Href
			}
		}
	}
	return p.result(order, instructions)
}

// ChargeCard creates an order with a card charge. The token is the
// card's encrypted payload.
func (p *PagSeguro) ChargeCard(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	if req.Card == nil || req.Card.Token == "" {
		return nil, &domain.ErrValidation{Field: "card.token", Message: "required"}
	}

	body := p.baseOrder(req)
	method := psPaymentMethod{
		Type:         "CREDIT_CARD",
		Installments: max(req.Installments, 1),
		Capture:      true,
		Card: &struct {
			Encrypted string `json:"encrypted"`
		}{Encrypted: req.Card.Token},
	}
	if req.Card.Debit {
		method.Type = "DEBIT_CARD"
		method.Installments = 0
	}
	body.Charges = []psChargeRequest{{
		ReferenceID:   req.Reference,
		Description:   req.Description,
		Amount:        psAmount{Value: cents(req), Currency: "BRL"},
		PaymentMethod: method,
	}}

	order, err := p.createOrder(ctx, body)
	if err != nil {
		return nil, err
	}

	var instructions domain.PaymentInstructions
	if c := order.latestCharge(); c != nil {
		instructions.AuthorizationCode = c.PaymentResponse.Reference
	}
	return p.result(order, instructions)
}

func (p *PagSeguro) getOrder(ctx context.Context, operation, orderID string) (*psOrder, error) {
	var order psOrder
	err := p.do(ctx, request{
		operation: operation,
		method:    http.MethodGet,
		path:      "/orders/" + orderID,
		notFound:  &domain.ErrNotFound{Resource: "pagseguro order", ID: orderID},
	}, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// QueryStatus fetches the order and reports its latest charge status.
func (p *PagSeguro) QueryStatus(ctx context.Context, providerPaymentID string) (*domain.StatusReport, error) {
	order, err := p.getOrder(ctx, "query_status", providerPaymentID)
	if err != nil {
		return nil, err
	}
	status, raw, err := order.status()
	if err != nil {
		return nil, err
	}
	return &domain.StatusReport{ProviderPaymentID: providerPaymentID, Status: status, RawStatus: raw}, nil
}

// cancelCharge voids or refunds the latest charge in full. A PIX order
// without a charge has nothing to cancel; its QR code just expires.
func (p *PagSeguro) cancelCharge(ctx context.Context, operation, orderID string) error {
	order, err := p.getOrder(ctx, operation+"_lookup", orderID)
	if err != nil {
		return err
	}
	c := order.latestCharge()
	if c == nil {
		return nil
	}
	return p.do(ctx, request{
		operation:      operation,
		method:         http.MethodPost,
		path:           "/charges/" + c.ID + "/cancel",
		body:           map[string]psAmount{"amount": {Value: c.Amount.Value}},
		idempotencyKey: operation + "-" + c.ID,
	}, nil)
}

// CancelPayment voids the order's charge.
func (p *PagSeguro) CancelPayment(ctx context.Context, providerPaymentID string) error {
	return p.cancelCharge(ctx, "cancel", providerPaymentID)
}

// RefundPayment refunds the order's paid charge.
func (p *PagSeguro) RefundPayment(ctx context.Context, providerPaymentID string) error {
	return p.cancelCharge(ctx, "refund", providerPaymentID)
}

// VerifyWebhook checks x-authenticity-token, the SHA-256 of
// "<token>-<body>".
func (p *PagSeguro) VerifyWebhook(header http.Header, body []byte, _ time.Time) error {
	if p.webhookSecret == "" {
		return &domain.ErrUnauthorized{Message: "pagseguro webhook token not configured"}
	}
	got := header.Get("x-authenticity-token")
	if got == "" {
		return &domain.ErrUnauthorized{Message: "missing x-authenticity-token"}
	}

	sum := sha256.Sum256(append([]byte(p.webhookSecret+"-"), body...))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return &domain.ErrUnauthorized{Message: "invalid pagseguro signature"}
	}
	return nil
}

// ParseWebhook reads the order snapshot PagSeguro pushes.
func (p *PagSeguro) ParseWebhook(body []byte) (*domain.WebhookNotification, error) {
	var order psOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, malformed(p.provider, "invalid json: %v", err)
	}
	if order.ID == "" {
		return nil, malformed(p.provider, "missing order id")
	}

	status, raw, err := order.status()
	return &domain.WebhookNotification{
		ProviderPaymentID: order.ID,
		ReportedStatus:    raw,
		Status:            status,
		StatusErr:         err,
		RawPayload:        body,
	}, nil
}
