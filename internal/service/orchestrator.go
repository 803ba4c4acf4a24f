package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Orchestrator opens transactions for the initiation flows and exposes
// the manual operations on them.
type Orchestrator struct {
	store       port.TransactionStore
	gateways    port.GatewayRegistry
	processor   *Processor
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewOrchestrator creates the orchestrator. callTimeout bounds each
// gateway call.
func NewOrchestrator(
	store port.TransactionStore,
	gateways port.GatewayRegistry,
	processor *Processor,
	callTimeout time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:       store,
		gateways:    gateways,
		processor:   processor,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// CreatePix opens a PIX transaction.
func (o *Orchestrator) CreatePix(ctx context.Context, req *domain.CreatePaymentRequest, actor string) (*domain.Transaction, error) {
	return o.create(ctx, domain.MethodPix, req, actor)
}

// CreateBoleto opens a boleto transaction.
func (o *Orchestrator) CreateBoleto(ctx context.Context, req *domain.CreatePaymentRequest, actor string) (*domain.Transaction, error) {
	return o.create(ctx, domain.MethodBoleto, req, actor)
}

// ChargeCard opens a card transaction; the card's debit flag picks the method.
func (o *Orchestrator) ChargeCard(ctx context.Context, req *domain.CreatePaymentRequest, actor string) (*domain.Transaction, error) {
	if req.Card == nil {
		return nil, &domain.ErrValidation{Field: "card", Message: "required"}
	}
	method := domain.MethodCreditCard
	if req.Card.Debit {
		method = domain.MethodDebitCard
	}
	return o.create(ctx, method, req, actor)
}

func (o *Orchestrator) create(ctx context.Context, method domain.Method, req *domain.CreatePaymentRequest, actor string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.method", string(method)),
		attribute.String("payment.provider", string(req.Provider)),
	)

	tx, err := domain.NewTransaction(domain.NewTransactionParams{
		OriginType:    req.OriginType,
		OriginID:      req.OriginID,
		Amounts:       req.Amounts(),
		Provider:      req.Provider,
		Method:        method,
		Installments:  req.Installments,
		DueDate:       req.DueDate,
		Description:   req.Description,
		PayerName:     req.Payer.Name,
		PayerDocument: req.Payer.Document,
		Fiscal:        req.Fiscal,
		Actor:         actor,
	}, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	gw, err := o.gateways.Get(req.Provider)
	if err != nil {
		return nil, &domain.ErrValidation{Field: "provider", Message: fmt.Sprintf("%s is not configured", req.Provider)}
	}

	if err := o.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	payment := &domain.PaymentRequest{
		Reference:    tx.ID,
		Amount:       tx.Amounts.Final,
		Payer:        req.Payer,
		DueDate:      tx.DueDate,
		Description:  tx.Description,
		Installments: tx.Installments,
		Card:         req.Card,
	}

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	var result *domain.PaymentResult
	switch method {
	case domain.MethodPix:
		result, err = gw.CreatePix(callCtx, payment)
	case domain.MethodBoleto:
		result, err = gw.CreateBoleto(callCtx, payment)
	default:
		result, err = gw.ChargeCard(callCtx, payment)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("gateway payment creation failed",
			zap.String("transaction_id", tx.ID),
			zap.String("provider", string(tx.Provider)),
			zap.String("method", string(method)),
			zap.Error(err),
		)
		_, auditErr := o.processor.Mutate(ctx, tx.ID, func(t *domain.Transaction, now time.Time) error {
			t.Audit(now, domain.EventGatewayFailed, err.Error(), string(t.Provider))
			return nil
		})
		if auditErr != nil {
			o.logger.Warn("failed to audit gateway failure", zap.String("transaction_id", tx.ID), zap.Error(auditErr))
		}
		return nil, err
	}

	out, err := o.processor.Apply(ctx, tx.ID, Signal{
		Status:  result.Status,
		Source:  domain.SourceGateway,
		Details: "reported " + result.RawStatus,
		Actor:   string(tx.Provider),
		Quiet:   true,
	}, func(t *domain.Transaction, now time.Time) error {
		t.ProviderPaymentID = result.ProviderPaymentID
		t.Instructions = result.Instructions
		t.Audit(now, domain.EventGatewayRequested, "provider payment id "+result.ProviderPaymentID, string(t.Provider))
		return nil
	})
	var dup *domain.ErrDuplicate
	if errors.As(err, &dup) {
		o.discard(ctx, tx.ID, "provider payment id "+result.ProviderPaymentID+" already belongs to another transaction")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	o.logger.Info("payment created",
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(tx.Provider)),
		zap.String("provider_payment_id", result.ProviderPaymentID),
		zap.String("method", string(method)),
		zap.String("status", string(out.Transaction.Status)),
	)
	return out.Transaction, nil
}

// discard cancels a transaction that could not be bound to its provider
// payment, so it does not linger as pending.
func (o *Orchestrator) discard(ctx context.Context, id, reason string) {
	_, err := o.processor.Apply(ctx, id, Signal{
		Status:  domain.StatusCanceled,
		Source:  domain.SourceGateway,
		Details: reason,
		Actor:   string(domain.SourceGateway),
	}, nil)
	if err != nil {
		o.logger.Error("failed to cancel unbound transaction", zap.String("transaction_id", id), zap.Error(err))
		return
	}
	o.logger.Warn("transaction canceled: "+reason, zap.String("transaction_id", id))
}

// Get returns a transaction by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Get")
	defer span.End()

	return o.store.Get(ctx, id)
}

// List returns transactions matching f, oldest first.
func (o *Orchestrator) List(ctx context.Context, f port.TransactionFilter) ([]*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.List")
	defer span.End()

	return o.store.List(ctx, f)
}

// Cancel voids a non-terminal transaction at the provider and records it
// as canceled.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason, actor string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Cancel")
	defer span.End()

	return o.manual(ctx, id, domain.StatusCanceled, reason, actor, func(tx *domain.Transaction) error {
		if tx.Status.Terminal() {
			return &domain.ErrIllegalTransition{From: tx.Status, To: domain.StatusCanceled, Source: domain.SourceManual}
		}
		return nil
	}, port.Gateway.CancelPayment)
}

// Refund returns the money of an approved transaction.
func (o *Orchestrator) Refund(ctx context.Context, id, reason, actor string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Refund")
	defer span.End()

	return o.manual(ctx, id, domain.StatusRefunded, reason, actor, func(tx *domain.Transaction) error {
		if tx.Status != domain.StatusApproved {
			return &domain.ErrIllegalTransition{From: tx.Status, To: domain.StatusRefunded, Source: domain.SourceManual}
		}
		return nil
	}, port.Gateway.RefundPayment)
}

func (o *Orchestrator) manual(
	ctx context.Context,
	id string,
	target domain.Status,
	reason, actor string,
	check func(tx *domain.Transaction) error,
	call func(gw port.Gateway, ctx context.Context, providerPaymentID string) error,
) (*domain.Transaction, error) {
	tx, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := check(tx); err != nil {
		return nil, err
	}

	if tx.ProviderPaymentID != "" {
		gw, err := o.gateways.Get(tx.Provider)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
		err = call(gw, callCtx, tx.ProviderPaymentID)
		cancel()
		if err != nil {
			o.logger.Error("gateway rejected manual operation",
				zap.String("transaction_id", id),
				zap.String("target", string(target)),
				zap.Error(err),
			)
			return nil, err
		}
	}

	out, err := o.processor.Apply(ctx, id, Signal{
		Status:  target,
		Source:  domain.SourceManual,
		Details: reason,
		Actor:   actor,
	}, nil)
	if err != nil {
		return nil, err
	}
	if out.Decision.Kind == domain.TransitionAnomaly {
		// a concurrent signal won the race after the provider call
		return out.Transaction, &domain.ErrIllegalTransition{From: out.Decision.From, To: target, Source: domain.SourceManual}
	}
	return out.Transaction, nil
}

// RetryLedgerSync re-runs the ledger side effect for an approved
// transaction whose sync is pending or incomplete.
func (o *Orchestrator) RetryLedgerSync(ctx context.Context, id string) (*domain.Transaction, domain.SyncOutcome, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.RetryLedgerSync")
	defer span.End()

	tx, outcome, err := o.processor.SyncLedger(ctx, id)
	if err != nil {
		var nf *domain.ErrNotFound
		if !errors.As(err, &nf) {
			o.logger.Error("manual ledger sync failed", zap.String("transaction_id", id), zap.Error(err))
		}
		return nil, "", err
	}
	return tx, outcome, nil
}
