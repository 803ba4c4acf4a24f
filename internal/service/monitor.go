package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/config"
	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/cache"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	modeAlwaysOn = "always_on"
	modeLight    = "light"
)

var nonTerminal = []domain.Status{domain.StatusPending, domain.StatusProcessing}

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	Candidates    int    `json:"candidates"`
	Checked       int64  `json:"checked"`
	Confirmed     int64  `json:"confirmed"`
	Errors        int64  `json:"errors"`
	Stalled       int64  `json:"stalled"`
	LedgerRetried int64  `json:"ledger_retried"`
	Skipped       int64  `json:"skipped"`
	Duration      string `json:"duration"`
}

// Monitor is the polling safety net: it asks gateways for the status of
// transactions whose webhook never arrived and feeds the answer into the
// same processor the webhook path uses.
type Monitor struct {
	store     port.TransactionStore
	gateways  port.GatewayRegistry
	processor *Processor
	cfg       config.MonitorConfig
	watch     *cache.Bounded[domain.WatchItem]
	metrics   *observability.Metrics
	logger    *zap.Logger

	cycleMu sync.Mutex
	mu      sync.RWMutex
	stats   domain.MonitorStats
}

// NewMonitor creates a monitor.
func NewMonitor(
	store port.TransactionStore,
	gateways port.GatewayRegistry,
	processor *Processor,
	cfg config.MonitorConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Monitor {
	m := &Monitor{
		store:     store,
		gateways:  gateways,
		processor: processor,
		cfg:       cfg,
		watch:     cache.New[domain.WatchItem](cfg.Retention, cfg.WatchCapacity),
		metrics:   metrics,
		logger:    logger,
	}
	m.stats.Mode = m.mode()
	return m
}

func (m *Monitor) mode() string {
	if m.cfg.LightMode {
		return modeLight
	}
	return modeAlwaysOn
}

func (m *Monitor) interval() time.Duration {
	if m.cfg.LightMode {
		return m.cfg.LightInterval
	}
	return m.cfg.Interval
}

// Run loops until ctx is done. A cycle in flight when ctx is canceled
// finishes its started checks but starts no new ones.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.interval()
	m.setRunning(true)
	defer m.setRunning(false)

	m.logger.Info("reconciliation monitor started",
		zap.String("mode", m.mode()),
		zap.Duration("interval", interval),
		zap.Int("workers", m.cfg.Workers),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.cycle(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("reconciliation monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// CheckNow runs one cycle immediately and waits for it. Cycles never
// overlap; a call during a running cycle waits for it first.
func (m *Monitor) CheckNow(ctx context.Context) *CycleReport {
	return m.cycle(ctx)
}

func (m *Monitor) cycle(ctx context.Context) (report *CycleReport) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	report = &CycleReport{}
	if ctx.Err() != nil {
		return report
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("monitor cycle panicked", zap.Any("panic", p), zap.Stack("stack"))
			report.Errors++
		}
		m.finish(report, start)
	}()

	ctx, span := tracer.Start(ctx, "Monitor.Cycle")
	defer span.End()

	// started checks may outlive ctx, bounded by the cycle budget
	budgetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CycleBudget)
	defer cancel()

	now := start.UTC()
	candidates, err := m.store.List(budgetCtx, port.TransactionFilter{
		Statuses:      nonTerminal,
		CreatedAfter:  now.Add(-m.cfg.ActiveWindow),
		WithPaymentID: true,
	})
	if err != nil {
		m.logger.Error("monitor: failed to load candidates", zap.Error(err))
		report.Errors++
		return report
	}
	owed, err := m.store.List(budgetCtx, port.TransactionFilter{
		Statuses:   []domain.Status{domain.StatusApproved},
		SyncStates: []domain.SyncState{domain.SyncPending, domain.SyncIncomplete},
	})
	if err != nil {
		m.logger.Error("monitor: failed to load pending ledger syncs", zap.Error(err))
		report.Errors++
	}

	report.Candidates = len(candidates)
	span.SetAttributes(attribute.Int("monitor.candidates", len(candidates)))
	m.refreshWatch(candidates, now)

	var checked, confirmed, errs, stalled, retried, skipped atomic.Int64
	started := func() bool {
		if ctx.Err() != nil || budgetCtx.Err() != nil {
			skipped.Add(1)
			return false
		}
		return true
	}

	g := new(errgroup.Group)
	g.SetLimit(max(m.cfg.Workers, 1))

	for _, tx := range candidates {
		tx := tx
		if !m.eligible(tx, now) {
			if tx.ReconcileAttempts >= m.cfg.MaxRetries && !tx.Stalled {
				// attempts ran out without the flag being set
				g.Go(func() error {
					if !started() {
						return nil
					}
					defer m.recoverCheck(tx.ID, &errs)
					if m.markStalled(budgetCtx, tx.ID, tx.ReconcileAttempts) {
						stalled.Add(1)
					}
					return nil
				})
			}
			continue
		}
		g.Go(func() error {
			if !started() {
				return nil
			}
			defer m.recoverCheck(tx.ID, &errs)

			res := m.check(budgetCtx, tx)
			checked.Add(1)
			if res.err {
				errs.Add(1)
			}
			if res.confirmed {
				confirmed.Add(1)
			}
			if res.stalled {
				stalled.Add(1)
			}
			return nil
		})
	}

	for _, tx := range owed {
		tx := tx
		if tx.SyncAttempts >= m.cfg.MaxRetries {
			continue
		}
		g.Go(func() error {
			if !started() {
				return nil
			}
			defer m.recoverCheck(tx.ID, &errs)

			retried.Add(1)
			if _, outcome, err := m.processor.SyncLedger(budgetCtx, tx.ID); err != nil {
				errs.Add(1)
				m.logger.Warn("monitor: ledger sync retry failed", zap.String("transaction_id", tx.ID), zap.Error(err))
			} else {
				m.logger.Info("monitor: ledger sync retried",
					zap.String("transaction_id", tx.ID),
					zap.String("outcome", string(outcome)),
				)
			}
			return nil
		})
	}

	_ = g.Wait()

	report.Checked = checked.Load()
	report.Confirmed = confirmed.Load()
	report.Errors += errs.Load()
	report.Stalled = stalled.Load()
	report.LedgerRetried = retried.Load()
	report.Skipped = skipped.Load()

	if purged := m.watch.Purge(time.Now()); purged > 0 {
		m.logger.Debug("monitor: purged watch-list entries", zap.Int("count", purged))
	}
	return report
}

// eligible applies the polling rules: no webhook yet, attempts left, and
// the webhook timeout elapsed since creation or the last poll.
func (m *Monitor) eligible(tx *domain.Transaction, now time.Time) bool {
	if tx.WebhookReceived || tx.ReconcileAttempts >= m.cfg.MaxRetries {
		return false
	}
	ref := tx.CreatedAt
	if tx.LastPolledAt != nil {
		ref = *tx.LastPolledAt
	}
	return now.Sub(ref) >= m.cfg.WebhookTimeout
}

type checkResult struct {
	err       bool
	confirmed bool
	stalled   bool
}

// check polls one transaction. Failures are counted as attempts and never
// escape the cycle.
func (m *Monitor) check(ctx context.Context, tx *domain.Transaction) checkResult {
	var res checkResult
	fields := []zap.Field{
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(tx.Provider)),
		zap.String("provider_payment_id", tx.ProviderPaymentID),
	}

	report, queryErr := m.query(ctx, tx)
	if queryErr != nil {
		res.err = true
		result := "error"
		var unknown *domain.ErrUnknownStatus
		if errors.As(queryErr, &unknown) {
			result = "unknown_status"
		}
		m.recordCheck(result)
		m.logger.Warn("monitor: status query failed", append(fields, zap.Error(queryErr))...)

		updated, err := m.processor.Mutate(ctx, tx.ID, func(t *domain.Transaction, now time.Time) error {
			t.RecordPoll(now)
			if unknown != nil {
				t.Audit(now, domain.EventUnknownStatus, unknown.Error(), string(domain.SourceMonitor))
			}
			return nil
		})
		if err != nil {
			m.logger.Error("monitor: failed to record poll", append(fields, zap.Error(err))...)
			return res
		}
		res.stalled = m.afterCheck(ctx, updated)
		return res
	}

	out, err := m.processor.Apply(ctx, tx.ID, Signal{
		Status:  report.Status,
		Source:  domain.SourceMonitor,
		Details: "reported " + report.RawStatus,
		Actor:   string(domain.SourceMonitor),
		Quiet:   true,
	}, func(t *domain.Transaction, now time.Time) error {
		t.RecordPoll(now)
		return nil
	})
	if err != nil {
		res.err = true
		m.recordCheck("error")
		m.logger.Warn("monitor: failed to apply polled status", append(fields, zap.Error(err))...)
		return res
	}

	switch out.Decision.Kind {
	case domain.TransitionApplied:
		m.recordCheck("applied")
		res.confirmed = out.Transaction.Status == domain.StatusApproved
	case domain.TransitionAnomaly:
		m.recordCheck("anomaly")
	default:
		m.recordCheck("unchanged")
	}
	res.stalled = m.afterCheck(ctx, out.Transaction)
	return res
}

func (m *Monitor) query(ctx context.Context, tx *domain.Transaction) (*domain.StatusReport, error) {
	gw, err := m.gateways.Get(tx.Provider)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return gw.QueryStatus(callCtx, tx.ProviderPaymentID)
}

// afterCheck refreshes the watch-list entry and flags the transaction as
// stalled once its attempts are exhausted. Reports a new stall.
func (m *Monitor) afterCheck(ctx context.Context, tx *domain.Transaction) bool {
	if tx.Status.Terminal() {
		m.watch.Delete(tx.ID)
		return false
	}
	m.watch.Set(tx.ID, domain.WatchItemFrom(tx), time.Now())
	if tx.ReconcileAttempts >= m.cfg.MaxRetries && !tx.Stalled {
		return m.markStalled(ctx, tx.ID, tx.ReconcileAttempts)
	}
	return false
}

func (m *Monitor) markStalled(ctx context.Context, id string, attempts int) bool {
	_, marked, err := m.processor.MarkStalled(ctx, id, fmt.Sprintf("no terminal status after %d polls", attempts))
	if err != nil {
		m.logger.Error("monitor: failed to mark stalled", zap.String("transaction_id", id), zap.Error(err))
		return false
	}
	if marked {
		if m.metrics != nil {
			m.metrics.IncrStalled()
		}
		m.logger.Warn("transaction stalled: reconciliation attempts exhausted",
			zap.String("transaction_id", id),
			zap.Int("attempts", attempts),
		)
	}
	return marked
}

func (m *Monitor) recoverCheck(id string, errs *atomic.Int64) {
	if p := recover(); p != nil {
		errs.Add(1)
		m.logger.Error("monitor: check panicked",
			zap.String("transaction_id", id),
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}
}

// refreshWatch mirrors the candidate set into the watch-list.
func (m *Monitor) refreshWatch(candidates []*domain.Transaction, now time.Time) {
	live := make(map[string]struct{}, len(candidates))
	for _, tx := range candidates {
		live[tx.ID] = struct{}{}
		m.watch.Set(tx.ID, domain.WatchItemFrom(tx), now)
	}
	for _, item := range m.watch.Values(now) {
		if _, ok := live[item.TransactionID]; !ok {
			m.watch.Delete(item.TransactionID)
		}
	}
}

func (m *Monitor) recordCheck(result string) {
	if m.metrics != nil {
		m.metrics.RecordMonitorCheck(result)
	}
}

func (m *Monitor) finish(r *CycleReport, start time.Time) {
	took := time.Since(start)
	r.Duration = took.String()

	m.mu.Lock()
	at := start.UTC()
	m.stats.Cycles++
	m.stats.TotalChecks += r.Checked
	m.stats.Confirmed += r.Confirmed
	m.stats.Errors += r.Errors
	m.stats.Stalled += r.Stalled
	m.stats.LedgerRetries += r.LedgerRetried
	m.stats.LastCycleAt = &at
	m.stats.LastCycleTook = r.Duration
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordMonitorCycle(took)
		m.metrics.SetWatchListSize(m.watch.Len())
	}
	if r.Checked > 0 || r.Errors > 0 || r.LedgerRetried > 0 {
		m.logger.Info("monitor cycle finished",
			zap.Int("candidates", r.Candidates),
			zap.Int64("checked", r.Checked),
			zap.Int64("confirmed", r.Confirmed),
			zap.Int64("errors", r.Errors),
			zap.Int64("stalled", r.Stalled),
			zap.Int64("ledger_retried", r.LedgerRetried),
			zap.Duration("duration", took),
		)
	}
}

func (m *Monitor) setRunning(v bool) {
	m.mu.Lock()
	m.stats.Running = v
	m.mu.Unlock()
}

// Snapshot returns counters and the watch-list.
func (m *Monitor) Snapshot() domain.MonitorSnapshot {
	m.mu.RLock()
	stats := m.stats
	m.mu.RUnlock()

	items := m.watch.Values(time.Now())
	pending := 0
	for _, it := range items {
		if !it.Status.Terminal() {
			pending++
		}
	}
	return domain.MonitorSnapshot{Stats: stats, Pending: pending, WatchList: items}
}

// Stalled lists non-terminal transactions the monitor gave up polling.
func (m *Monitor) Stalled(ctx context.Context) ([]*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Monitor.Stalled")
	defer span.End()

	stalled := true
	return m.store.List(ctx, port.TransactionFilter{Statuses: nonTerminal, Stalled: &stalled})
}

// SyncIncomplete lists approved transactions whose ledger sync failed.
func (m *Monitor) SyncIncomplete(ctx context.Context) ([]*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Monitor.SyncIncomplete")
	defer span.End()

	return m.store.List(ctx, port.TransactionFilter{
		Statuses:   []domain.Status{domain.StatusApproved},
		SyncStates: []domain.SyncState{domain.SyncIncomplete},
	})
}
