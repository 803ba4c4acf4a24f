package service_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/config"
	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/events"
	"github.com/boddenberg/condo-payments-go/internal/infra/gateway"
	"github.com/boddenberg/condo-payments-go/internal/infra/lock"
	"github.com/boddenberg/condo-payments-go/internal/infra/observability"
	"github.com/boddenberg/condo-payments-go/internal/infra/store"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// --- Mocks ---

type mockGateway struct {
	mu sync.Mutex

	result    *domain.PaymentResult
	createErr error

	statuses map[string]domain.Status
	queryErr error
	queries  int

	cancelErr error
	refundErr error
	canceled  []string
	refunded  []string

	verifyErr    error
	notification *domain.WebhookNotification
	parseErr     error
}

func newMockGateway() *mockGateway {
	return &mockGateway{statuses: make(map[string]domain.Status)}
}

func (m *mockGateway) Provider() domain.Provider { return domain.ProviderAsaas }

func (m *mockGateway) create() (*domain.PaymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	r := *m.result
	return &r, nil
}

func (m *mockGateway) CreatePix(_ context.Context, _ *domain.PaymentRequest) (*domain.PaymentResult, error) {
	return m.create()
}

func (m *mockGateway) CreateBoleto(_ context.Context, _ *domain.PaymentRequest) (*domain.PaymentResult, error) {
	return m.create()
}

func (m *mockGateway) ChargeCard(_ context.Context, _ *domain.PaymentRequest) (*domain.PaymentResult, error) {
	return m.create()
}

func (m *mockGateway) QueryStatus(_ context.Context, id string) (*domain.StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	status, ok := m.statuses[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment", ID: id}
	}
	return &domain.StatusReport{ProviderPaymentID: id, Status: status, RawStatus: string(status)}, nil
}

func (m *mockGateway) CancelPayment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, id)
	return m.cancelErr
}

func (m *mockGateway) RefundPayment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunded = append(m.refunded, id)
	return m.refundErr
}

func (m *mockGateway) VerifyWebhook(_ http.Header, _ []byte, _ time.Time) error {
	return m.verifyErr
}

func (m *mockGateway) ParseWebhook(body []byte) (*domain.WebhookNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parseErr != nil {
		return nil, m.parseErr
	}
	n := *m.notification
	n.RawPayload = body
	return &n, nil
}

func (m *mockGateway) setStatus(id string, s domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = s
}

func (m *mockGateway) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// notify sets what the next ParseWebhook returns.
func (m *mockGateway) notify(id string, s domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notification = &domain.WebhookNotification{ProviderPaymentID: id, ReportedStatus: string(s), Status: s}
}

// conflictOnce fails the first Update with a version conflict.
type conflictOnce struct {
	*store.Memory
	mu   sync.Mutex
	done bool
}

func (c *conflictOnce) Update(ctx context.Context, tx *domain.Transaction) error {
	c.mu.Lock()
	first := !c.done
	c.done = true
	c.mu.Unlock()
	if first {
		return &domain.ErrConflict{Resource: "transaction", ID: tx.ID, Version: tx.Version}
	}
	return c.Memory.Update(ctx, tx)
}

// --- Harness ---

type harness struct {
	store     *store.Memory
	ledger    *store.MemoryLedger
	locker    *lock.Memory
	gw        *mockGateway
	events    *events.Broadcaster
	metrics   *observability.Metrics
	processor *service.Processor
	orch      *service.Orchestrator
	webhooks  *service.WebhookService
	monitor   *service.Monitor
	sweeper   *service.ExpirySweeper
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Interval:       time.Hour,
		LightInterval:  time.Hour,
		WebhookTimeout: 0,
		MaxRetries:     2,
		ActiveWindow:   time.Hour,
		Retention:      time.Hour,
		Workers:        4,
		CallTimeout:    time.Second,
		CycleBudget:    5 * time.Second,
		WatchCapacity:  100,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		store:   store.NewMemory(),
		ledger:  store.NewMemoryLedger(),
		locker:  lock.NewMemory(100 * time.Millisecond),
		gw:      newMockGateway(),
		events:  events.NewBroadcaster(nil, logger),
		metrics: observability.NewMetrics(),
	}
	registry := gateway.NewRegistry(h.gw)
	syncer := service.NewLedgerSynchronizer(h.ledger, h.metrics, logger)
	h.processor = service.NewProcessor(h.store, h.locker, h.events, syncer, h.metrics, logger)
	h.orch = service.NewOrchestrator(h.store, registry, h.processor, time.Second, logger)
	h.webhooks = service.NewWebhookService(h.store, registry, h.processor, time.Second, 8, h.metrics, logger)
	h.monitor = service.NewMonitor(h.store, registry, h.processor, testMonitorConfig(), h.metrics, logger)
	h.sweeper = service.NewExpirySweeper(h.store, registry, h.processor, time.Hour, time.Second, logger)
	t.Cleanup(h.webhooks.Close)
	return h
}

func paymentRequest(originID, amount string) *domain.CreatePaymentRequest {
	return &domain.CreatePaymentRequest{
		OriginType:     domain.OriginResidentCharge,
		OriginID:       originID,
		Provider:       domain.ProviderAsaas,
		OriginalAmount: decimal.RequireFromString(amount),
		DueDate:        time.Now().Add(72 * time.Hour),
		Description:    "Condominium fee",
		Payer:          domain.Payer{Name: "Maria Silva", Document: "12345678909"},
	}
}

// openPix creates a pending PIX transaction bound to providerPaymentID,
// with a matching unpaid origin in the ledger.
func (h *harness) openPix(t *testing.T, originID, providerPaymentID, amount string) *domain.Transaction {
	t.Helper()
	h.ledger.Put(domain.OriginRecord{
		Type:   domain.OriginResidentCharge,
		ID:     originID,
		Amount: decimal.RequireFromString(amount),
	})
	h.gw.result = &domain.PaymentResult{
		ProviderPaymentID: providerPaymentID,
		Status:            domain.StatusPending,
		RawStatus:         "PENDING",
		Instructions:      domain.PaymentInstructions{PixCopyPaste: "000201"},
	}
	tx, err := h.orch.CreatePix(context.Background(), paymentRequest(originID, amount), "tester")
	if err != nil {
		t.Fatalf("create pix: %v", err)
	}
	return tx
}

func (h *harness) get(t *testing.T, id string) *domain.Transaction {
	t.Helper()
	tx, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return tx
}

func (h *harness) origin(t *testing.T, id string) *domain.OriginRecord {
	t.Helper()
	o, err := h.ledger.FindOrigin(context.Background(), domain.OriginResidentCharge, id)
	if err != nil {
		t.Fatalf("find origin %s: %v", id, err)
	}
	return o
}

func countAudit(tx *domain.Transaction, event string) int {
	n := 0
	for _, e := range tx.AuditLog {
		if e.Event == event {
			n++
		}
	}
	return n
}
