package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/config"
	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/handler"
	"github.com/boddenberg/condo-payments-go/internal/infra/events"
	"github.com/boddenberg/condo-payments-go/internal/infra/gateway"
	"github.com/boddenberg/condo-payments-go/internal/infra/lock"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/infra/store"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// stubGateway answers every call with fixed values.
type stubGateway struct {
	verifyErr error
	parseErr  error
	notice    domain.WebhookNotification
}

func (s *stubGateway) Provider() domain.Provider { return domain.ProviderAsaas }

func (s *stubGateway) CreatePix(context.Context, *domain.PaymentRequest) (*domain.PaymentResult, error) {
	return &domain.PaymentResult{ProviderPaymentID: "pay_http", Status: domain.StatusPending, RawStatus: "PENDING"}, nil
}

func (s *stubGateway) CreateBoleto(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	return s.CreatePix(ctx, req)
}

func (s *stubGateway) ChargeCard(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error) {
	return s.CreatePix(ctx, req)
}

func (s *stubGateway) QueryStatus(_ context.Context, id string) (*domain.StatusReport, error) {
	return &domain.StatusReport{ProviderPaymentID: id, Status: domain.StatusPending, RawStatus: "PENDING"}, nil
}

func (s *stubGateway) CancelPayment(context.Context, string) error { return nil }
func (s *stubGateway) RefundPayment(context.Context, string) error { return nil }

func (s *stubGateway) VerifyWebhook(http.Header, []byte, time.Time) error { return s.verifyErr }

func (s *stubGateway) ParseWebhook(body []byte) (*domain.WebhookNotification, error) {
	if s.parseErr != nil {
		return nil, s.parseErr
	}
	n := s.notice
	n.RawPayload = body
	return &n, nil
}

type testServer struct {
	router http.Handler
	gw     *stubGateway
	token  string
}

func newTestServer(t *testing.T, deps func(d *handler.Deps)) *testServer {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	mem := store.NewMemory()
	ledger := store.NewMemoryLedger()
	ledger.Put(domain.OriginRecord{Type: domain.OriginResidentCharge, ID: "fm-1"})

	gw := &stubGateway{}
	registry := gateway.NewRegistry(gw)
	processor := service.NewProcessor(mem, lock.NewMemory(time.Second), events.NewBroadcaster(nil, logger),
		service.NewLedgerSynchronizer(ledger, metrics, logger), metrics, logger)
	webhooks := service.NewWebhookService(mem, registry, processor, time.Second, 4, metrics, logger)
	t.Cleanup(webhooks.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	auth := service.NewOpsAuth("ops", string(hash), "test-jwt-secret", time.Minute, logger)

	d := handler.Deps{
		Orchestrator: service.NewOrchestrator(mem, registry, processor, time.Second, logger),
		Webhooks:     webhooks,
		Monitor: service.NewMonitor(mem, registry, processor, config.MonitorConfig{
			Interval: time.Hour, MaxRetries: 3, ActiveWindow: time.Hour, Retention: time.Hour,
			Workers: 2, CallTimeout: time.Second, CycleBudget: time.Second, WatchCapacity: 10,
		}, metrics, logger),
		Sweeper: service.NewExpirySweeper(mem, registry, processor, time.Hour, time.Second, logger),
		Auth:    auth,
		Metrics: metrics,
	}
	if deps != nil {
		deps(&d)
	}

	resp, err := auth.IssueToken(context.Background(), &domain.TokenRequest{ClientID: "ops", ClientSecret: "s3cret"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &testServer{router: handler.NewRouter(d, logger), gw: gw, token: resp.AccessToken}
}

func (s *testServer) do(method, path, body string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestOperationalEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/ping"} {
		if rec := srv.do(http.MethodGet, path, "", false); rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestHealthz_Degraded(t *testing.T) {
	srv := newTestServer(t, func(d *handler.Deps) {
		d.Checks = []handler.HealthCheck{{Name: "postgres", Check: func(context.Context) error { return errors.New("down") }}}
	})

	rec := srv.do(http.MethodGet, "/healthz", "", false)
	var body domain.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || len(body.Services) != 2 {
		t.Errorf("health = %+v", body)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		setup    func(gw *stubGateway)
		want     int
	}{
		{"unknown provider", "stripe", nil, http.StatusNotFound},
		{"bad signature", "asaas", func(gw *stubGateway) { gw.verifyErr = &domain.ErrUnauthorized{Message: "invalid webhook token"} }, http.StatusUnauthorized},
		{"malformed", "asaas", func(gw *stubGateway) { gw.parseErr = &domain.ErrMalformedPayload{Source: "asaas", Reason: "bad"} }, http.StatusBadRequest},
		{"unmatched payment", "asaas", func(gw *stubGateway) {
			gw.notice = domain.WebhookNotification{ProviderPaymentID: "nobody", Status: domain.StatusApproved}
		}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, nil)
			if tt.setup != nil {
				tt.setup(srv.gw)
			}
			rec := srv.do(http.MethodPost, "/v1/webhooks/"+tt.provider, `{"event":"PAYMENT_RECEIVED"}`, false)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, nil)
	if rec := srv.do(http.MethodGet, "/v1/monitor/status", "", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodGet, "/v1/monitor/status", "", true); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestTokenEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(http.MethodPost, "/v1/auth/token", `{"client_id":"ops","client_secret":"wrong"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	rec = srv.do(http.MethodPost, "/v1/auth/token", `{"client_id":"ops","client_secret":"s3cret"}`, false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "access_token") {
		t.Errorf("expected token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPaymentLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	body := `{"origin_type":"resident_charge","origin_id":"fm-1","provider":"asaas",
		"original_amount":"50.00","due_date":"2030-01-10T00:00:00Z",
		"payer":{"name":"Maria","document":"12345678909"}}`
	rec := srv.do(http.MethodPost, "/v1/payments/pix", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var tx domain.Transaction
	if err := json.NewDecoder(rec.Body).Decode(&tx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tx.ProviderPaymentID != "pay_http" || tx.AuditLog[0].Actor != "ops" {
		t.Errorf("tx = %+v", tx)
	}

	if rec := srv.do(http.MethodGet, "/v1/transactions/"+tx.ID, "", true); rec.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodGet, "/v1/transactions/missing", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("get missing: expected 404, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodGet, "/v1/transactions?status=pending", "", true); !strings.Contains(rec.Body.String(), tx.ID) {
		t.Errorf("list: %s", rec.Body.String())
	}
	if rec := srv.do(http.MethodGet, "/v1/transactions?status=paid", "", true); rec.Code != http.StatusBadRequest {
		t.Errorf("list bad status: expected 400, got %d", rec.Code)
	}

	if rec := srv.do(http.MethodPost, "/v1/transactions/"+tx.ID+"/refund", "", true); rec.Code != http.StatusConflict {
		t.Errorf("refund pending: expected 409, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodPost, "/v1/transactions/"+tx.ID+"/cancel", `{"reason":"duplicate"}`, true); rec.Code != http.StatusOK {
		t.Errorf("cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := srv.do(http.MethodPost, "/v1/transactions/"+tx.ID+"/cancel", "", true); rec.Code != http.StatusConflict {
		t.Errorf("cancel twice: expected 409, got %d", rec.Code)
	}
}

func TestCreatePayment_Validation(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"origin_type":"resident_charge","origin_id":"fm-1","provider":"asaas",
		"original_amount":"50.00","final_amount":"49.00","due_date":"2030-01-10T00:00:00Z"}`
	if rec := srv.do(http.MethodPost, "/v1/payments/boleto", body, true); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodPost, "/v1/payments/pix", `{`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: expected 400, got %d", rec.Code)
	}
}

func TestSimulateWebhookOnlyOutsideProduction(t *testing.T) {
	body := `{"provider":"asaas","provider_payment_id":"nobody","status":"approved"}`

	prod := newTestServer(t, nil)
	if rec := prod.do(http.MethodPost, "/v1/monitor/simulate-webhook", body, true); rec.Code != http.StatusNotFound {
		t.Errorf("production: expected 404, got %d", rec.Code)
	}

	dev := newTestServer(t, func(d *handler.Deps) { d.AllowSimulation = true })
	rec := dev.do(http.MethodPost, "/v1/monitor/simulate-webhook", body, true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"unmatched"`) {
		t.Errorf("dev: got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMonitorCheckAndSweep(t *testing.T) {
	srv := newTestServer(t, nil)
	if rec := srv.do(http.MethodPost, "/v1/monitor/check", "", true); rec.Code != http.StatusOK {
		t.Errorf("check: expected 200, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodPost, "/v1/monitor/sweep", "", true); rec.Code != http.StatusOK {
		t.Errorf("sweep: expected 200, got %d", rec.Code)
	}
	for _, path := range []string{"/v1/monitor/stalled", "/v1/monitor/sync-incomplete"} {
		rec := srv.do(http.MethodGet, path, "", true)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data":[]`) {
			t.Errorf("%s: got %d: %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, func(d *handler.Deps) { d.AllowedOrigins = []string{"https://admin.condo.example"} })

	req := httptest.NewRequest(http.MethodOptions, "/v1/transactions", nil)
	req.Header.Set("Origin", "https://admin.condo.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.condo.example" {
		t.Errorf("allow origin = %q", got)
	}
}
