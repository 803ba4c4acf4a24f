package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/infra/resilience"
	"github.com/boddenberg/condo-payments-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// IngestOutcome is what happened to one webhook delivery.
type IngestOutcome string

const (
	OutcomeApplied       IngestOutcome = "applied"
	OutcomeDuplicate     IngestOutcome = "duplicate"
	OutcomeAnomaly       IngestOutcome = "anomaly"
	OutcomeUnmatched     IngestOutcome = "unmatched"
	OutcomeUnknownStatus IngestOutcome = "unknown_status"
	OutcomeUnresolved    IngestOutcome = "unresolved"
	OutcomeDeferred      IngestOutcome = "deferred"
	OutcomeDropped       IngestOutcome = "dropped"
	OutcomeUnauthorized  IngestOutcome = "unauthorized"
	OutcomeMalformed     IngestOutcome = "malformed"
	OutcomeFailed        IngestOutcome = "failed"
)

// IngestResult is returned to the webhook handler.
type IngestResult struct {
	Outcome       IngestOutcome `json:"outcome"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Status        domain.Status `json:"status,omitempty"`
}

// deferredAttempts bounds the background retries after lock contention.
const deferredAttempts = 3

// WebhookService verifies, parses and applies provider push notifications.
type WebhookService struct {
	store       port.TransactionStore
	gateways    port.GatewayRegistry
	processor   *Processor
	callTimeout time.Duration
	retryDelay  time.Duration
	deferred    *resilience.Bulkhead
	metrics     *observability.Metrics
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWebhookService creates the intake. maxDeferred bounds how many
// deliveries may wait for a busy lock in the background.
func NewWebhookService(
	store port.TransactionStore,
	gateways port.GatewayRegistry,
	processor *Processor,
	callTimeout time.Duration,
	maxDeferred int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *WebhookService {
	return &WebhookService{
		store:       store,
		gateways:    gateways,
		processor:   processor,
		callTimeout: callTimeout,
		retryDelay:  250 * time.Millisecond,
		deferred:    resilience.NewBulkhead(maxDeferred),
		metrics:     metrics,
		logger:      logger,
	}
}

// Ingest handles one delivery. Only a missing provider, a bad signature,
// a malformed body or a store failure return an error; every other case
// is acknowledged with an outcome.
func (s *WebhookService) Ingest(ctx context.Context, provider domain.Provider, header http.Header, body []byte) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "WebhookService.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.provider", string(provider)))

	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRequestDuration("webhook_ingest", time.Since(start))
		}
	}()

	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	if err := gw.VerifyWebhook(header, body, time.Now()); err != nil {
		s.record(provider, OutcomeUnauthorized)
		s.logger.Warn("webhook rejected: invalid signature",
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		return nil, err
	}

	n, err := gw.ParseWebhook(body)
	if err != nil {
		s.record(provider, OutcomeMalformed)
		s.logger.Warn("webhook rejected: malformed payload",
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		return nil, err
	}

	res, err := s.ingest(ctx, gw, n)
	if err != nil {
		s.record(provider, OutcomeFailed)
		return nil, err
	}
	s.record(provider, res.Outcome)
	return res, nil
}

// Simulate feeds a synthetic, already verified delivery through the same
// path as a real one.
func (s *WebhookService) Simulate(ctx context.Context, req *domain.SimulateWebhookRequest) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "WebhookService.Simulate")
	defer span.End()

	if req.ProviderPaymentID == "" {
		return nil, &domain.ErrValidation{Field: "provider_payment_id", Message: "required"}
	}
	if !req.Status.Valid() {
		return nil, &domain.ErrValidation{Field: "status", Message: "unknown status " + string(req.Status)}
	}
	gw, err := s.gateways.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"simulated":           true,
		"provider_payment_id": req.ProviderPaymentID,
		"status":              req.Status,
	})
	res, err := s.ingest(ctx, gw, &domain.WebhookNotification{
		ProviderPaymentID: req.ProviderPaymentID,
		ReportedStatus:    string(req.Status),
		Status:            req.Status,
		RawPayload:        payload,
	})
	if err != nil {
		return nil, err
	}
	s.record(req.Provider, res.Outcome)
	return res, nil
}

func (s *WebhookService) ingest(ctx context.Context, gw port.Gateway, n *domain.WebhookNotification) (*IngestResult, error) {
	provider := gw.Provider()
	fields := []zap.Field{
		zap.String("provider", string(provider)),
		zap.String("provider_payment_id", n.ProviderPaymentID),
		zap.String("reported_status", n.ReportedStatus),
	}

	tx, err := s.store.FindByProviderPaymentID(ctx, provider, n.ProviderPaymentID)
	var nf *domain.ErrNotFound
	if errors.As(err, &nf) {
		s.logger.Warn("webhook for unknown payment", fields...)
		return &IngestResult{Outcome: OutcomeUnmatched}, nil
	}
	if err != nil {
		s.logger.Error("webhook lookup failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	fields = append(fields, zap.String("transaction_id", tx.ID))

	if n.NeedsQuery {
		s.resolve(ctx, gw, n)
	}

	res, err := s.apply(ctx, tx.ID, provider, n)
	var busy *domain.ErrLockTimeout
	if errors.As(err, &busy) {
		if s.deferApply(tx.ID, provider, n) {
			s.logger.Info("transaction busy, webhook deferred", fields...)
			return &IngestResult{Outcome: OutcomeDeferred, TransactionID: tx.ID}, nil
		}
		s.logger.Warn("transaction busy and deferral queue full, leaving it to the monitor", fields...)
		s.keepPayload(ctx, tx.ID, n)
		return &IngestResult{Outcome: OutcomeDropped, TransactionID: tx.ID}, nil
	}
	if err != nil {
		s.logger.Error("webhook apply failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	return res, nil
}

// resolve fetches the status for pushes that only carry the payment id.
// On failure the notification stays unresolved.
func (s *WebhookService) resolve(ctx context.Context, gw port.Gateway, n *domain.WebhookNotification) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	report, err := gw.QueryStatus(callCtx, n.ProviderPaymentID)
	if err != nil {
		n.StatusErr = err
		s.logger.Warn("could not resolve webhook status",
			zap.String("provider", string(gw.Provider())),
			zap.String("provider_payment_id", n.ProviderPaymentID),
			zap.Error(err),
		)
		return
	}
	n.Status = report.Status
	n.ReportedStatus = report.RawStatus
	n.NeedsQuery = false
}

func (s *WebhookService) apply(ctx context.Context, id string, provider domain.Provider, n *domain.WebhookNotification) (*IngestResult, error) {
	if n.Status == "" {
		// logged but not flagged as received, so the monitor keeps polling
		tx, err := s.processor.Mutate(ctx, id, func(tx *domain.Transaction, now time.Time) error {
			tx.LogWebhook(now, n.ReportedStatus, n.RawPayload)
			detail := "status could not be resolved"
			if n.StatusErr != nil {
				detail = n.StatusErr.Error()
			}
			tx.Audit(now, domain.EventUnknownStatus, detail, string(provider))
			return nil
		})
		if err != nil {
			return nil, err
		}

		outcome := OutcomeUnresolved
		var unknown *domain.ErrUnknownStatus
		if errors.As(n.StatusErr, &unknown) {
			outcome = OutcomeUnknownStatus
		}
		s.logger.Warn("webhook status has no canonical mapping",
			zap.String("transaction_id", id),
			zap.String("provider", string(provider)),
			zap.String("reported_status", n.ReportedStatus),
		)
		return &IngestResult{Outcome: outcome, TransactionID: id, Status: tx.Status}, nil
	}

	out, err := s.processor.Apply(ctx, id, Signal{
		Status:  n.Status,
		Source:  domain.SourceWebhook,
		Details: "reported " + n.ReportedStatus,
		Actor:   string(provider),
	}, func(tx *domain.Transaction, now time.Time) error {
		tx.RecordWebhook(now, n.ReportedStatus, n.RawPayload)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &IngestResult{TransactionID: id, Status: out.Transaction.Status}
	switch out.Decision.Kind {
	case domain.TransitionApplied:
		res.Outcome = OutcomeApplied
	case domain.TransitionDuplicate:
		res.Outcome = OutcomeDuplicate
	default:
		res.Outcome = OutcomeAnomaly
	}
	return res, nil
}

// deferApply retries a delivery in the background after lock contention. It
// reports false when the deferral capacity is exhausted or the service is
// closing.
func (s *WebhookService) deferApply(id string, provider domain.Provider, n *domain.WebhookNotification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.deferred.TryAcquire() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.deferred.Release()

		ctx := context.Background()
		for attempt := 1; attempt <= deferredAttempts; attempt++ {
			time.Sleep(time.Duration(attempt) * s.retryDelay)

			res, err := s.apply(ctx, id, provider, n)
			if err == nil {
				s.record(provider, res.Outcome)
				s.logger.Info("deferred webhook applied",
					zap.String("transaction_id", id),
					zap.String("outcome", string(res.Outcome)),
					zap.Int("attempt", attempt),
				)
				return
			}
			var busy *domain.ErrLockTimeout
			if !errors.As(err, &busy) {
				s.logger.Error("deferred webhook failed", zap.String("transaction_id", id), zap.Error(err))
				s.keepPayload(ctx, id, n)
				return
			}
		}
		s.record(provider, OutcomeDropped)
		s.logger.Warn("deferred webhook gave up, leaving it to the monitor",
			zap.String("transaction_id", id),
			zap.String("provider_payment_id", n.ProviderPaymentID),
		)
		s.keepPayload(ctx, id, n)
	}()
	return true
}

// keepPayload logs a delivery that could not be applied, bypassing the
// transaction lock. The webhook is not flagged as received, so the monitor
// still reconciles the transaction.
func (s *WebhookService) keepPayload(ctx context.Context, id string, n *domain.WebhookNotification) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	entry := domain.NewWebhookLogEntry(time.Now().UTC(), n.ReportedStatus, n.RawPayload)
	if err := s.store.AppendWebhookLog(ctx, id, entry); err != nil {
		s.logger.Error("could not log webhook payload",
			zap.String("transaction_id", id),
			zap.String("provider_payment_id", n.ProviderPaymentID),
			zap.Error(err),
		)
	}
}

// Close stops accepting deferrals and waits for pending ones.
func (s *WebhookService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *WebhookService) record(provider domain.Provider, outcome IngestOutcome) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(string(provider), string(outcome))
	}
}
