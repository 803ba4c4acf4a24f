package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/port"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTx(t *testing.T, createdAt time.Time) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction(domain.NewTransactionParams{
		OriginType: domain.OriginResidentCharge,
		OriginID:   "charge-1",
		Amounts:    domain.Amounts{Original: decimal.NewFromInt(50)},
		Provider:   domain.ProviderAsaas,
		Method:     domain.MethodPix,
		DueDate:    createdAt.Add(72 * time.Hour),
	}, createdAt)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	return tx
}

// runStoreContract exercises behavior every TransactionStore must share.
func runStoreContract(t *testing.T, s port.TransactionStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		tx := newTx(t, t0)
		if err := s.Create(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := s.Get(ctx, tx.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Version != 1 || got.Status != domain.StatusPending {
			t.Errorf("unexpected transaction %+v", got)
		}
		if !got.Amounts.Final.Equal(decimal.NewFromInt(50)) {
			t.Errorf("expected final 50, got %s", got.Amounts.Final)
		}
		if len(got.AuditLog) != 1 || got.AuditLog[0].Event != domain.EventCreated {
			t.Errorf("expected creation audit entry, got %+v", got.AuditLog)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := s.Get(ctx, "00000000-0000-0000-0000-000000000000")
		var nf *domain.ErrNotFound
		if !errors.As(err, &nf) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("optimistic update", func(t *testing.T) {
		tx := newTx(t, t0)
		if err := s.Create(ctx, tx); err != nil {
			t.Fatal(err)
		}
		a, _ := s.Get(ctx, tx.ID)
		b, _ := s.Get(ctx, tx.ID)

		a.ProviderPaymentID = "pay_" + tx.ID[:8]
		a.Status = domain.StatusProcessing
		if err := s.Update(ctx, a); err != nil {
			t.Fatalf("first update: %v", err)
		}
		if a.Version != 2 {
			t.Errorf("expected version 2, got %d", a.Version)
		}

		b.Status = domain.StatusApproved
		err := s.Update(ctx, b)
		var conflict *domain.ErrConflict
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		found, err := s.FindByProviderPaymentID(ctx, domain.ProviderAsaas, a.ProviderPaymentID)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if found.ID != tx.ID || found.Status != domain.StatusProcessing {
			t.Errorf("unexpected lookup result %+v", found)
		}
	})

	t.Run("duplicate provider payment id", func(t *testing.T) {
		first := newTx(t, t0)
		second := newTx(t, t0)
		first.ProviderPaymentID = "dup-" + first.ID[:8]
		if err := s.Create(ctx, first); err != nil {
			t.Fatal(err)
		}
		if err := s.Create(ctx, second); err != nil {
			t.Fatal(err)
		}
		second.ProviderPaymentID = first.ProviderPaymentID
		err := s.Update(ctx, second)
		var dup *domain.ErrDuplicate
		if !errors.As(err, &dup) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("append webhook log", func(t *testing.T) {
		tx := newTx(t, t0)
		if err := s.Create(ctx, tx); err != nil {
			t.Fatal(err)
		}
		stale, _ := s.Get(ctx, tx.ID)

		entry := domain.NewWebhookLogEntry(t0.Add(time.Minute), "RECEIVED", []byte(`{"id":"pay_1"}`))
		if err := s.AppendWebhookLog(ctx, tx.ID, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
		got, err := s.Get(ctx, tx.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.WebhookLog) != 1 || got.WebhookLog[0].ID != entry.ID || got.WebhookReceived {
			t.Errorf("unexpected webhook log %+v", got.WebhookLog)
		}
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}

		stale.Status = domain.StatusApproved
		var conflict *domain.ErrConflict
		if err := s.Update(ctx, stale); !errors.As(err, &conflict) {
			t.Fatalf("expected ErrConflict for a write that missed the entry, got %v", err)
		}

		var nf *domain.ErrNotFound
		if err := s.AppendWebhookLog(ctx, "00000000-0000-0000-0000-000000000000", entry); !errors.As(err, &nf) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		old := newTx(t, t0.Add(-48*time.Hour))
		fresh := newTx(t, t0.Add(time.Hour))
		fresh.Provider = domain.ProviderPagSeguro
		for _, tx := range []*domain.Transaction{old, fresh} {
			if err := s.Create(ctx, tx); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.List(ctx, port.TransactionFilter{
			Statuses:     []domain.Status{domain.StatusPending},
			Providers:    []domain.Provider{domain.ProviderPagSeguro},
			CreatedAfter: t0,
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].ID != fresh.ID {
			t.Errorf("expected only the fresh pagseguro transaction, got %d", len(got))
		}
	})
}

func TestMemory_Contract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	tx := newTx(t, t0)
	if err := s.Create(context.Background(), tx); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(context.Background(), tx.ID)
	got.Audit(t0, "mutated", "", "test")

	again, _ := s.Get(context.Background(), tx.ID)
	if len(again.AuditLog) != 1 {
		t.Errorf("store must not share audit slices, got %d entries", len(again.AuditLog))
	}
}

func TestMatches_StalledAndPaymentID(t *testing.T) {
	tx := newTx(t, t0)
	stalled := true

	if Matches(tx, port.TransactionFilter{Stalled: &stalled}) {
		t.Error("fresh transaction is not stalled")
	}
	if Matches(tx, port.TransactionFilter{WithPaymentID: true}) {
		t.Error("transaction without payment id must not match")
	}
	if !Matches(tx, port.TransactionFilter{DueBefore: t0.Add(96 * time.Hour)}) {
		t.Error("due date is before the cutoff")
	}
}
