package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/gateway"
	"github.com/boddenberg/condo-payments-go/internal/service"

	"go.uber.org/zap"
)

func openBoleto(t *testing.T, h *harness, originID, providerPaymentID string) *domain.Transaction {
	t.Helper()
	h.ledger.Put(domain.OriginRecord{Type: domain.OriginResidentCharge, ID: originID})
	h.gw.result = &domain.PaymentResult{
		ProviderPaymentID: providerPaymentID,
		Status:            domain.StatusPending,
		RawStatus:         "PENDING",
		Instructions:      domain.PaymentInstructions{DigitableLine: "34191.79001 01043.510047 91020.150008 1 96610000045000"},
	}
	tx, err := h.orch.CreateBoleto(context.Background(), paymentRequest(originID, "450.00"), "tester")
	if err != nil {
		t.Fatalf("create boleto: %v", err)
	}
	return tx
}

func TestMonitor_ConfirmsBoletoWithoutWebhook(t *testing.T) {
	h := newHarness(t)
	tx := openBoleto(t, h, "fm-7", "pay_b1")
	h.gw.setStatus("pay_b1", domain.StatusApproved)

	report := h.monitor.CheckNow(context.Background())
	if report.Candidates != 1 || report.Checked != 1 || report.Confirmed != 1 {
		t.Fatalf("report = %+v", report)
	}

	stored := h.get(t, tx.ID)
	if stored.Status != domain.StatusApproved {
		t.Fatalf("status = %s", stored.Status)
	}
	if countAudit(stored, domain.StatusUpdatedEvent(domain.SourceMonitor)) != 1 {
		t.Errorf("audit log = %+v", stored.AuditLog)
	}
	if stored.ReconcileAttempts != 1 || stored.LastPolledAt == nil {
		t.Errorf("attempts = %d, last polled = %v", stored.ReconcileAttempts, stored.LastPolledAt)
	}
	if o := h.origin(t, "fm-7"); !o.Paid() || o.PaymentMethod != domain.MethodBoleto {
		t.Errorf("origin = %+v", o)
	}

	// terminal transactions drop out of the candidate set
	report = h.monitor.CheckNow(context.Background())
	if report.Candidates != 0 || h.gw.queryCount() != 1 {
		t.Errorf("report = %+v, queries = %d", report, h.gw.queryCount())
	}
}

func TestMonitor_SkipsTransactionsWithWebhook(t *testing.T) {
	h := newHarness(t)
	tx := h.openPix(t, "fm-1", "pay_001", "50.00")
	h.gw.notify("pay_001", domain.StatusProcessing)
	ingest(t, h, `{}`)

	h.monitor.CheckNow(context.Background())
	if h.gw.queryCount() != 0 {
		t.Errorf("queries = %d, want 0", h.gw.queryCount())
	}
	if got := h.get(t, tx.ID); got.ReconcileAttempts != 0 {
		t.Errorf("attempts = %d", got.ReconcileAttempts)
	}
}

func TestMonitor_RespectsWebhookTimeout(t *testing.T) {
	h := newHarness(t)
	cfg := testMonitorConfig()
	cfg.WebhookTimeout = time.Hour
	registry := gateway.NewRegistry(h.gw)
	monitor := service.NewMonitor(h.store, registry, h.processor, cfg, h.metrics, zap.NewNop())

	h.openPix(t, "fm-1", "pay_001", "50.00")
	report := monitor.CheckNow(context.Background())
	if report.Candidates != 1 || report.Checked != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestMonitor_FailuresStallAfterMaxRetries(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.events.Subscribe(16)
	defer cancel()

	tx := h.openPix(t, "fm-1", "pay_001", "50.00")
	h.gw.queryErr = &domain.ErrTimeout{Operation: "asaas"}

	first := h.monitor.CheckNow(context.Background())
	if first.Errors != 1 || first.Stalled != 0 {
		t.Fatalf("first cycle = %+v", first)
	}
	second := h.monitor.CheckNow(context.Background())
	if second.Stalled != 1 {
		t.Fatalf("second cycle = %+v", second)
	}

	stored := h.get(t, tx.ID)
	if !stored.Stalled || stored.Status != domain.StatusPending {
		t.Errorf("stalled = %v, status = %s", stored.Stalled, stored.Status)
	}
	if stored.ReconcileAttempts != 2 {
		t.Errorf("attempts = %d, want 2", stored.ReconcileAttempts)
	}
	if countAudit(stored, domain.EventStalled) != 1 {
		t.Errorf("audit log = %+v", stored.AuditLog)
	}

	third := h.monitor.CheckNow(context.Background())
	if third.Checked != 0 || h.gw.queryCount() != 2 {
		t.Errorf("exhausted transactions must not be polled again: %+v", third)
	}

	var stalledEvents int
	for len(events) > 0 {
		if ev := <-events; ev.Type == domain.EventTypeStalled {
			stalledEvents++
		}
	}
	if stalledEvents != 1 {
		t.Errorf("stalled events = %d, want 1", stalledEvents)
	}

	list, err := h.monitor.Stalled(context.Background())
	if err != nil || len(list) != 1 || list[0].ID != tx.ID {
		t.Errorf("stalled list = %v, %v", list, err)
	}
}

func TestMonitor_UnknownStatusCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	tx := h.openPix(t, "fm-1", "pay_001", "50.00")
	h.gw.queryErr = &domain.ErrUnknownStatus{Provider: domain.ProviderAsaas, Raw: "WEIRD"}

	h.monitor.CheckNow(context.Background())

	stored := h.get(t, tx.ID)
	if stored.ReconcileAttempts != 1 || stored.Status != domain.StatusPending {
		t.Errorf("attempts = %d, status = %s", stored.ReconcileAttempts, stored.Status)
	}
	if countAudit(stored, domain.EventUnknownStatus) != 1 {
		t.Errorf("audit log = %+v", stored.AuditLog)
	}
}

func TestMonitor_RetriesIncompleteLedgerSync(t *testing.T) {
	h := newHarness(t)
	h.gw.result = &domain.PaymentResult{ProviderPaymentID: "pay_late", Status: domain.StatusPending}
	tx, err := h.orch.CreatePix(context.Background(), paymentRequest("fm-late", "50.00"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.gw.notify("pay_late", domain.StatusApproved)
	ingest(t, h, `{}`)
	if h.get(t, tx.ID).SyncState != domain.SyncIncomplete {
		t.Fatal("expected incomplete sync while the origin is missing")
	}

	incomplete, err := h.monitor.SyncIncomplete(context.Background())
	if err != nil || len(incomplete) != 1 {
		t.Fatalf("sync incomplete list = %v, %v", incomplete, err)
	}

	// the origin shows up later
	h.ledger.Put(domain.OriginRecord{Type: domain.OriginResidentCharge, ID: "fm-late"})

	report := h.monitor.CheckNow(context.Background())
	if report.LedgerRetried != 1 {
		t.Fatalf("report = %+v", report)
	}
	stored := h.get(t, tx.ID)
	if stored.SyncState != domain.SyncDone || stored.SyncAttempts != 2 {
		t.Errorf("sync = %s/%d", stored.SyncState, stored.SyncAttempts)
	}
	if !h.origin(t, "fm-late").Paid() {
		t.Error("origin not settled on retry")
	}
}

func TestMonitor_LedgerRetryIsBounded(t *testing.T) {
	h := newHarness(t)
	h.gw.result = &domain.PaymentResult{ProviderPaymentID: "pay_gone", Status: domain.StatusPending}
	tx, err := h.orch.CreatePix(context.Background(), paymentRequest("fm-gone", "50.00"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.gw.notify("pay_gone", domain.StatusApproved)
	ingest(t, h, `{}`)

	for i := 0; i < 4; i++ {
		h.monitor.CheckNow(context.Background())
	}
	if got := h.get(t, tx.ID).SyncAttempts; got != 2 {
		t.Errorf("sync attempts = %d, want 2", got)
	}
}

func TestMonitor_Snapshot(t *testing.T) {
	h := newHarness(t)
	tx := h.openPix(t, "fm-1", "pay_001", "50.00")
	h.gw.setStatus("pay_001", domain.StatusProcessing)

	h.monitor.CheckNow(context.Background())
	snap := h.monitor.Snapshot()

	if snap.Stats.Cycles != 1 || snap.Stats.TotalChecks != 1 || snap.Stats.LastCycleAt == nil {
		t.Errorf("stats = %+v", snap.Stats)
	}
	if snap.Stats.Mode != "always_on" {
		t.Errorf("mode = %q", snap.Stats.Mode)
	}
	if snap.Pending != 1 || len(snap.WatchList) != 1 {
		t.Fatalf("watch list = %+v", snap.WatchList)
	}
	item := snap.WatchList[0]
	if item.TransactionID != tx.ID || item.Status != domain.StatusProcessing || item.Attempts != 1 {
		t.Errorf("item = %+v", item)
	}
}

func TestMonitor_CanceledContextStartsNoWork(t *testing.T) {
	h := newHarness(t)
	h.openPix(t, "fm-1", "pay_001", "50.00")
	h.gw.setStatus("pay_001", domain.StatusApproved)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.monitor.CheckNow(ctx)
	if report.Checked != 0 || h.gw.queryCount() != 0 {
		t.Errorf("report = %+v, queries = %d", report, h.gw.queryCount())
	}
}

func TestMonitor_ExhaustedBudgetSkipsStalledMarking(t *testing.T) {
	h := newHarness(t)
	tx := h.openPix(t, "fm-1", "pay_001", "50.00")
	exhausted := h.get(t, tx.ID)
	exhausted.ReconcileAttempts = testMonitorConfig().MaxRetries
	if err := h.store.Update(context.Background(), exhausted); err != nil {
		t.Fatalf("update: %v", err)
	}

	cfg := testMonitorConfig()
	cfg.CycleBudget = -time.Second
	monitor := service.NewMonitor(h.store, gateway.NewRegistry(h.gw), h.processor, cfg, h.metrics, zap.NewNop())

	report := monitor.CheckNow(context.Background())
	if report.Stalled != 0 || report.Skipped != 1 {
		t.Fatalf("report = %+v, want one skipped and none stalled", report)
	}
	if h.get(t, tx.ID).Stalled {
		t.Error("no work may start once the cycle budget is spent")
	}

	if report := h.monitor.CheckNow(context.Background()); report.Stalled != 1 {
		t.Errorf("next cycle = %+v, want the flag set", report)
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	tx := h.openPix(t, "fm-1", "pay_001", "50.00")
	h.gw.setStatus("pay_001", domain.StatusApproved)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.monitor.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.get(t, tx.ID).Status != domain.StatusApproved {
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.monitor.Snapshot().Stats.Running {
		t.Error("monitor still reported as running")
	}
}

func TestMonitor_GatewayErrorsDoNotEscape(t *testing.T) {
	h := newHarness(t)
	h.openPix(t, "fm-1", "pay_001", "50.00")
	h.openPix(t, "fm-2", "pay_002", "60.00")
	h.gw.setStatus("pay_002", domain.StatusApproved)
	// pay_001 has no status at the mock and answers not found

	report := h.monitor.CheckNow(context.Background())
	if report.Checked != 2 || report.Errors != 1 || report.Confirmed != 1 {
		t.Errorf("report = %+v", report)
	}
}
