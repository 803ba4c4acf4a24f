package store

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
)

// MemoryLedger is an in-process stand-in for the condominium finance
// tables, used when no ledger backend is configured.
type MemoryLedger struct {
	mu      sync.Mutex
	origins map[string]*domain.OriginRecord
	marks   int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{origins: make(map[string]*domain.OriginRecord)}
}

func originKey(t domain.OriginType, id string) string {
	return string(t) + "/" + id
}

// Put inserts or replaces an origin record.
func (l *MemoryLedger) Put(origin domain.OriginRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if origin.Status == "" {
		origin.Status = domain.LedgerStatusPending
	}
	l.origins[originKey(origin.Type, origin.ID)] = &origin
}

// FindOrigin returns a copy of the record.
func (l *MemoryLedger) FindOrigin(_ context.Context, t domain.OriginType, id string) (*domain.OriginRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.origins[originKey(t, id)]
	if !ok {
		return nil, &domain.ErrOriginNotFound{Type: t, ID: id}
	}
	c := *o
	return &c, nil
}

// MarkPaid settles the record, or returns ErrAlreadyPaid.
func (l *MemoryLedger) MarkPaid(_ context.Context, origin *domain.OriginRecord, paidAt time.Time, method domain.Method, transactionRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.origins[originKey(origin.Type, origin.ID)]
	if !ok {
		return &domain.ErrOriginNotFound{Type: origin.Type, ID: origin.ID}
	}
	if o.Paid() {
		return &domain.ErrAlreadyPaid{Type: origin.Type, ID: origin.ID}
	}
	o.Status = domain.LedgerStatusPaid
	o.PaidAt = &paidAt
	o.PaymentMethod = method
	o.TransactionRef = transactionRef
	l.marks++
	return nil
}

// Marks counts effective mark-paid writes.
func (l *MemoryLedger) Marks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marks
}
