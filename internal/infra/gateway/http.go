// Package gateway implements the payment provider adapters. Each adapter
// normalizes one provider's API, status vocabulary and webhook signature
// scheme onto the engine's canonical model.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("infra/gateway")

const maxResponseBytes = 1 << 20

// Options configures an adapter.
type Options struct {
	HTTPClient    *http.Client
	BaseURL       string
	APIKey        string
	WebhookSecret string
	// ReplayWindow bounds signed webhook timestamps; zero disables the check.
	ReplayWindow time.Duration
	Resilience   resilience.Config
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// base holds what every adapter shares: transport, breaker, retries,
// metrics and logging.
type base struct {
	provider      domain.Provider
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	webhookSecret string
	replayWindow  time.Duration
	cb            *gobreaker.CircuitBreaker
	cfg           resilience.Config
	metrics       *observability.Metrics
	logger        *zap.Logger
	authorize     func(req *http.Request)
}

func newBase(provider domain.Provider, opts Options, authorize func(req *http.Request)) base {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", string(provider)))

	return base{
		provider:      provider,
		httpClient:    httpClient,
		baseURL:       opts.BaseURL,
		apiKey:        opts.APIKey,
		webhookSecret: opts.WebhookSecret,
		replayWindow:  opts.ReplayWindow,
		cb:            resilience.NewCircuitBreaker("gateway-"+string(provider), logger),
		cfg:           opts.Resilience,
		metrics:       opts.Metrics,
		logger:        logger,
		authorize:     authorize,
	}
}

// Provider identifies the adapter.
func (b *base) Provider() domain.Provider {
	return b.provider
}

// request describes one outbound call.
type request struct {
	operation      string
	method         string
	path           string
	body           any
	idempotencyKey string
	// notFound is returned for a 404 instead of a generic error.
	notFound error
}

// do executes req through the breaker with retries and decodes the JSON
// response into out (which may be nil). Failures are mapped onto the
// domain error taxonomy.
func (b *base) do(ctx context.Context, req request, out any) error {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s.%s", b.provider, req.operation))
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.provider", string(b.provider)),
		attribute.String("gateway.operation", req.operation),
	)

	start := time.Now()
	err := resilience.Call(ctx, b.cb, b.cfg, "gateway/"+string(b.provider), func(ctx context.Context) error {
		return b.roundTrip(ctx, req, out)
	})
	b.record(req.operation, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn("gateway call failed",
			zap.String("operation", req.operation),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
	}
	return err
}

func (b *base) roundTrip(ctx context.Context, req request, out any) error {
	var reader io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("encode %s request: %w", req.operation, err))
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, b.baseURL+req.path, reader)
	if err != nil {
		return resilience.Permanent(err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.idempotencyKey)
	}
	b.authorize(httpReq)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && req.notFound != nil:
		return resilience.Permanent(req.notFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s returned status %d", b.provider, resp.StatusCode)
	case resp.StatusCode >= 400:
		return resilience.Permanent(&domain.ErrExternalService{
			Service: "gateway/" + string(b.provider),
			Err:     fmt.Errorf("%s rejected %s with status %d: %s", b.provider, req.operation, resp.StatusCode, truncate(body, 300)),
		})
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resilience.Permanent(&domain.ErrMalformedPayload{
			Source: string(b.provider),
			Reason: fmt.Sprintf("decode %s response: %v", req.operation, err),
		})
	}
	return nil
}

func (b *base) record(operation string, err error, d time.Duration) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordGatewayCall(string(b.provider), operation, resultLabel(err), d)
	if err != nil && domain.IsTransient(err) {
		b.metrics.IncrExternalError("gateway/" + string(b.provider))
	}
}

func resultLabel(err error) string {
	var (
		timeout *domain.ErrTimeout
		open    *domain.ErrCircuitOpen
		nf      *domain.ErrNotFound
		bad     *domain.ErrMalformedPayload
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &bad):
		return "malformed"
	}
	return "error"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// unknownStatus builds the error every adapter returns for a status string
// outside its enum.
func unknownStatus(p domain.Provider, raw string) error {
	return &domain.ErrUnknownStatus{Provider: p, Raw: raw}
}

func malformed(p domain.Provider, format string, args ...any) error {
	return &domain.ErrMalformedPayload{Source: string(p), Reason: fmt.Sprintf(format, args...)}
}
