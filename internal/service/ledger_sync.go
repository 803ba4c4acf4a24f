package service

import (
	"context"
	"errors"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LedgerSynchronizer marks the origin record of an approved transaction
// as paid. The origin's own status is the idempotency guard: a record
// already paid is left untouched.
type LedgerSynchronizer struct {
	ledger  port.LedgerStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewLedgerSynchronizer creates a synchronizer over the ledger store.
func NewLedgerSynchronizer(ledger port.LedgerStore, metrics *observability.Metrics, logger *zap.Logger) *LedgerSynchronizer {
	return &LedgerSynchronizer{ledger: ledger, metrics: metrics, logger: logger}
}

// Sync settles tx's origin. A missing origin is a data-integrity problem:
// it is logged and reported, never fatal.
func (s *LedgerSynchronizer) Sync(ctx context.Context, tx *domain.Transaction) (domain.SyncOutcome, error) {
	ctx, span := tracer.Start(ctx, "LedgerSynchronizer.Sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", tx.ID),
		attribute.String("origin.type", string(tx.OriginType)),
		attribute.String("origin.id", tx.OriginID),
	)

	outcome, err := s.sync(ctx, tx)
	if s.metrics != nil {
		s.metrics.RecordLedgerSync(string(outcome))
	}

	fields := []zap.Field{
		zap.String("transaction_id", tx.ID),
		zap.String("origin_type", string(tx.OriginType)),
		zap.String("origin_id", tx.OriginID),
		zap.String("outcome", string(outcome)),
	}
	switch outcome {
	case domain.SyncOutcomeMarkedPaid, domain.SyncOutcomeAlreadyPaid:
		s.logger.Info("ledger synchronized", fields...)
	case domain.SyncOutcomeOriginMissing:
		s.logger.Warn("data integrity: ledger origin not found", fields...)
	default:
		s.logger.Error("ledger sync failed", append(fields, zap.Error(err))...)
	}
	return outcome, err
}

func (s *LedgerSynchronizer) sync(ctx context.Context, tx *domain.Transaction) (domain.SyncOutcome, error) {
	var missing *domain.ErrOriginNotFound

	origin, err := s.ledger.FindOrigin(ctx, tx.OriginType, tx.OriginID)
	if errors.As(err, &missing) {
		return domain.SyncOutcomeOriginMissing, err
	}
	if err != nil {
		return domain.SyncOutcomeFailed, err
	}
	if origin.Paid() {
		return domain.SyncOutcomeAlreadyPaid, nil
	}

	paidAt := tx.UpdatedAt
	if tx.ConfirmedAt != nil {
		paidAt = *tx.ConfirmedAt
	}
	err = s.ledger.MarkPaid(ctx, origin, paidAt, tx.Method, tx.ID)
	var settled *domain.ErrAlreadyPaid
	if errors.As(err, &settled) {
		return domain.SyncOutcomeAlreadyPaid, nil
	}
	if errors.As(err, &missing) {
		return domain.SyncOutcomeOriginMissing, err
	}
	if err != nil {
		return domain.SyncOutcomeFailed, err
	}
	return domain.SyncOutcomeMarkedPaid, nil
}
