package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/port"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Examined int `json:"examined"`
	Expired  int `json:"expired"`
	Settled  int `json:"settled"`
	Deferred int `json:"deferred"`
}

// ExpirySweeper expires non-terminal transactions past their due date.
// Each one gets a final status query first, so a payment that did go
// through is recorded as such instead of expiring. A charge still open at
// the provider is canceled there before it is expired here.
type ExpirySweeper struct {
	store       port.TransactionStore
	gateways    port.GatewayRegistry
	processor   *Processor
	grace       time.Duration
	callTimeout time.Duration
	logger      *zap.Logger
	cron        *cron.Cron
}

// NewExpirySweeper creates a sweeper. grace is added to the due date.
func NewExpirySweeper(
	store port.TransactionStore,
	gateways port.GatewayRegistry,
	processor *Processor,
	grace, callTimeout time.Duration,
	logger *zap.Logger,
) *ExpirySweeper {
	return &ExpirySweeper{
		store:       store,
		gateways:    gateways,
		processor:   processor,
		grace:       grace,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Start schedules Sweep with a cron spec such as "@every 5m". Overlapping
// runs are skipped.
func (s *ExpirySweeper) Start(schedule string) error {
	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)), cron.WithLogger(logger))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("expiry sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("expiry sweeper started", zap.String("schedule", schedule), zap.Duration("grace", s.grace))
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (s *ExpirySweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep runs one pass.
func (s *ExpirySweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := tracer.Start(ctx, "ExpirySweeper.Sweep")
	defer span.End()

	overdue, err := s.store.List(ctx, port.TransactionFilter{
		Statuses:  nonTerminal,
		DueBefore: time.Now().UTC().Add(-s.grace),
	})
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Examined: len(overdue)}
	for _, tx := range overdue {
		if ctx.Err() != nil {
			break
		}
		target, detail, ok := s.finalStatus(ctx, tx)
		if !ok {
			report.Deferred++
			continue
		}

		out, err := s.processor.Apply(ctx, tx.ID, Signal{
			Status:  target,
			Source:  domain.SourceSweep,
			Details: detail,
			Actor:   string(domain.SourceSweep),
			Quiet:   true,
		}, nil)
		if err != nil {
			report.Deferred++
			s.logger.Warn("expiry sweep: apply failed", zap.String("transaction_id", tx.ID), zap.Error(err))
			continue
		}
		if out.Decision.Kind != domain.TransitionApplied {
			continue
		}
		if target == domain.StatusExpired {
			report.Expired++
		} else {
			report.Settled++
		}
	}

	if report.Expired > 0 || report.Settled > 0 || report.Deferred > 0 {
		s.logger.Info("expiry sweep finished",
			zap.Int("examined", report.Examined),
			zap.Int("expired", report.Expired),
			zap.Int("settled", report.Settled),
			zap.Int("deferred", report.Deferred),
		)
	}
	return report, nil
}

// finalStatus decides what an overdue transaction becomes. A transient
// query failure or a failed provider cancel defers it to the next sweep.
func (s *ExpirySweeper) finalStatus(ctx context.Context, tx *domain.Transaction) (domain.Status, string, bool) {
	overdue := fmt.Sprintf("due %s, no payment confirmed", tx.DueDate.Format(time.DateOnly))
	if tx.ProviderPaymentID == "" {
		return domain.StatusExpired, overdue, true
	}

	gw, err := s.gateways.Get(tx.Provider)
	if err != nil {
		return domain.StatusExpired, overdue, true
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	report, err := gw.QueryStatus(callCtx, tx.ProviderPaymentID)
	if err != nil {
		if domain.IsTransient(err) {
			s.logger.Warn("expiry sweep: final query failed, deferring",
				zap.String("transaction_id", tx.ID),
				zap.Error(err),
			)
			return "", "", false
		}
		return domain.StatusExpired, overdue + ": " + err.Error(), true
	}

	if report.Status.Terminal() {
		return report.Status, "final query reported " + report.RawStatus, true
	}
	if !s.cancelAtProvider(ctx, gw, tx) {
		return "", "", false
	}
	return domain.StatusExpired, overdue + ", canceled at provider", true
}

// cancelAtProvider voids the open charge so it can no longer be paid. A
// charge the provider no longer knows counts as canceled.
func (s *ExpirySweeper) cancelAtProvider(ctx context.Context, gw port.Gateway, tx *domain.Transaction) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	err := gw.CancelPayment(callCtx, tx.ProviderPaymentID)
	var nf *domain.ErrNotFound
	if err == nil || errors.As(err, &nf) {
		return true
	}
	s.logger.Warn("expiry sweep: provider cancel failed, deferring",
		zap.String("transaction_id", tx.ID),
		zap.String("provider_payment_id", tx.ProviderPaymentID),
		zap.Error(err),
	)
	return false
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
