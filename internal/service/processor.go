// Package service holds the reconciliation engine: the shared transition
// processor and the flows built on it (orchestration, webhook intake,
// polling monitor, expiry sweep and ledger synchronization).
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service/payments")

// maxConflictRetries bounds reload-and-reapply rounds when an optimistic
// version check fails.
const maxConflictRetries = 3

// Signal is one status observation fed into the state machine.
type Signal struct {
	Status  domain.Status
	Source  domain.Source
	Details string
	Actor   string
	// Quiet skips the duplicate_signal audit entry. Routine polls that
	// find nothing new set it.
	Quiet bool
}

// Outcome reports what applying a signal did.
type Outcome struct {
	Transaction *domain.Transaction
	Decision    domain.Decision
	Sync        domain.SyncOutcome
}

// Mutation edits a transaction loaded under its lock.
type Mutation func(tx *domain.Transaction, now time.Time) error

// Processor is the single writer for transactions. Every ingress path
// (orchestrator, webhook, monitor, sweep, manual) goes through it, so
// every status change takes the per-transaction lock, runs the shared
// state machine and is persisted with an optimistic version check.
type Processor struct {
	store   port.TransactionStore
	locker  port.Locker
	events  port.EventPublisher
	ledger  *LedgerSynchronizer
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewProcessor creates the processor. events may be nil.
func NewProcessor(
	store port.TransactionStore,
	locker port.Locker,
	events port.EventPublisher,
	ledger *LedgerSynchronizer,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		store:   store,
		locker:  locker,
		events:  events,
		ledger:  ledger,
		metrics: metrics,
		logger:  logger,
	}
}

func lockKey(id string) string {
	return "tx:" + id
}

// Apply feeds sig into the state machine for transaction id. before, when
// set, runs on the loaded transaction ahead of the transition and is
// persisted in the same write. On the first entry into approved the
// ledger is synchronized while the lock is still held.
func (p *Processor) Apply(ctx context.Context, id string, sig Signal, before Mutation) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "Processor.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", id),
		attribute.String("signal.status", string(sig.Status)),
		attribute.String("signal.source", string(sig.Source)),
	)

	release, err := p.locker.Acquire(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	var decision domain.Decision
	tx, err := p.commit(ctx, id, func(tx *domain.Transaction, now time.Time) error {
		if before != nil {
			if err := before(tx, now); err != nil {
				return err
			}
		}
		d, err := domain.Transition(tx.Status, sig.Status, sig.Source)
		var illegal *domain.ErrIllegalTransition
		if err != nil && !errors.As(err, &illegal) {
			return err
		}
		decision = d
		if d.Kind == domain.TransitionDuplicate && sig.Quiet {
			return nil
		}
		tx.ApplyDecision(d, sig.Source, now, sig.Details, actorOf(sig))
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.observe(ctx, tx, decision, sig)

	out := &Outcome{Transaction: tx, Decision: decision, Sync: domain.SyncOutcomeSkipped}
	if decision.LedgerSyncRequired {
		out.Transaction, out.Sync, err = p.syncLocked(ctx, tx)
		if err != nil {
			// the transition itself is committed; sync is retried later
			p.logger.Error("ledger sync bookkeeping failed",
				zap.String("transaction_id", id),
				zap.Error(err),
			)
			out.Transaction = tx
		}
	}
	return out, nil
}

// Mutate runs fn on transaction id under its lock and persists the result.
// It never changes status; use Apply for that.
func (p *Processor) Mutate(ctx context.Context, id string, fn Mutation) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Processor.Mutate")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	release, err := p.locker.Acquire(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	return p.commit(ctx, id, fn)
}

// SyncLedger retries the ledger side effect of an approved transaction
// whose sync is still owed. It is a no-op otherwise.
func (p *Processor) SyncLedger(ctx context.Context, id string) (*domain.Transaction, domain.SyncOutcome, error) {
	ctx, span := tracer.Start(ctx, "Processor.SyncLedger")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	release, err := p.locker.Acquire(ctx, lockKey(id))
	if err != nil {
		return nil, "", err
	}
	defer release()

	tx, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !tx.NeedsLedgerSync() {
		return tx, domain.SyncOutcomeSkipped, nil
	}
	return p.syncLocked(ctx, tx)
}

// MarkStalled flags a non-terminal transaction the monitor gave up on.
// Status is left untouched. Reports whether the flag was newly set.
func (p *Processor) MarkStalled(ctx context.Context, id, detail string) (*domain.Transaction, bool, error) {
	ctx, span := tracer.Start(ctx, "Processor.MarkStalled")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	release, err := p.locker.Acquire(ctx, lockKey(id))
	if err != nil {
		return nil, false, err
	}
	defer release()

	marked := false
	tx, err := p.commit(ctx, id, func(tx *domain.Transaction, now time.Time) error {
		marked = false
		if tx.Stalled || tx.Status.Terminal() {
			return nil
		}
		tx.Stalled = true
		tx.Audit(now, domain.EventStalled, detail, string(domain.SourceMonitor))
		marked = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if marked {
		p.publish(ctx, tx, domain.EventTypeStalled, tx.Status, domain.SourceMonitor, detail)
	}
	return tx, marked, nil
}

// syncLocked runs the ledger synchronizer and records its outcome. The
// caller holds the transaction lock.
func (p *Processor) syncLocked(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, domain.SyncOutcome, error) {
	outcome, syncErr := p.ledger.Sync(ctx, tx)

	updated, err := p.commit(ctx, tx.ID, func(t *domain.Transaction, now time.Time) error {
		t.SyncAttempts++
		switch outcome {
		case domain.SyncOutcomeMarkedPaid:
			t.SyncState = domain.SyncDone
			t.Audit(now, domain.EventLedgerSynced, fmt.Sprintf("%s %s marked paid", t.OriginType, t.OriginID), "ledger")
		case domain.SyncOutcomeAlreadyPaid:
			t.SyncState = domain.SyncDone
			t.Audit(now, domain.EventLedgerAlreadyPaid, fmt.Sprintf("%s %s was already paid", t.OriginType, t.OriginID), "ledger")
		default:
			t.SyncState = domain.SyncIncomplete
			detail := string(outcome)
			if syncErr != nil {
				detail = syncErr.Error()
			}
			t.Audit(now, domain.EventLedgerSyncIncomplete, detail, "ledger")
		}
		return nil
	})
	if err != nil {
		return nil, outcome, err
	}

	if updated.SyncState == domain.SyncIncomplete {
		detail := string(outcome)
		if syncErr != nil {
			detail = syncErr.Error()
		}
		p.publish(ctx, updated, domain.EventTypeLedgerSyncIncomplete, "", "", detail)
	}
	return updated, outcome, nil
}

// commit loads, mutates and updates, reloading and reapplying fn when the
// version check fails.
func (p *Processor) commit(ctx context.Context, id string, fn Mutation) (*domain.Transaction, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		tx, err := p.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		if err := fn(tx, now); err != nil {
			return nil, err
		}
		tx.UpdatedAt = now

		err = p.store.Update(ctx, tx)
		if err == nil {
			return tx, nil
		}
		var conflict *domain.ErrConflict
		if !errors.As(err, &conflict) {
			return nil, err
		}
		lastErr = err
		p.logger.Debug("version conflict, reloading",
			zap.String("transaction_id", id),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, lastErr
}

// observe emits metrics, logs and events for a committed decision.
func (p *Processor) observe(ctx context.Context, tx *domain.Transaction, d domain.Decision, sig Signal) {
	if p.metrics != nil {
		p.metrics.RecordTransition(string(sig.Source), string(d.Kind))
	}

	fields := []zap.Field{
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(tx.Provider)),
		zap.String("source", string(sig.Source)),
		zap.String("from", string(d.From)),
		zap.String("incoming", string(d.Incoming)),
	}

	switch d.Kind {
	case domain.TransitionApplied:
		p.logger.Info("transaction status updated", append(fields, zap.String("status", string(d.To)))...)
		p.publish(ctx, tx, domain.EventTypeStatusChanged, d.From, sig.Source, sig.Details)
	case domain.TransitionAnomaly:
		p.logger.Warn("transition anomaly ignored", fields...)
	case domain.TransitionDuplicate:
		p.logger.Debug("duplicate status signal", fields...)
	}
}

func (p *Processor) publish(ctx context.Context, tx *domain.Transaction, eventType string, from domain.Status, src domain.Source, detail string) {
	if p.events == nil {
		return
	}
	event := domain.TransactionEvent{
		Type:          eventType,
		TransactionID: tx.ID,
		Provider:      tx.Provider,
		OriginType:    tx.OriginType,
		OriginID:      tx.OriginID,
		From:          from,
		To:            tx.Status,
		Source:        src,
		Detail:        detail,
		OccurredAt:    tx.UpdatedAt,
	}
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish transaction event",
			zap.String("transaction_id", tx.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func actorOf(sig Signal) string {
	if sig.Actor != "" {
		return sig.Actor
	}
	return string(sig.Source)
}
