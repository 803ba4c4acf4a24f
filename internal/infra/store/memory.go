// Package store persists transactions. Memory is used for development and
// tests; Postgres is the durable implementation.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/port"
)

// Memory is a thread-safe in-memory TransactionStore. It stores clones so
// callers never share slices with the store.
type Memory struct {
	mu        sync.RWMutex
	byID      map[string]*domain.Transaction
	byPayment map[string]string
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		byID:      make(map[string]*domain.Transaction),
		byPayment: make(map[string]string),
	}
}

func paymentKey(provider domain.Provider, providerPaymentID string) string {
	return string(provider) + "|" + providerPaymentID
}

// Create inserts tx with version 1.
func (m *Memory) Create(_ context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[tx.ID]; ok {
		return &domain.ErrDuplicate{Key: "transaction " + tx.ID}
	}
	if tx.ProviderPaymentID != "" {
		key := paymentKey(tx.Provider, tx.ProviderPaymentID)
		if _, ok := m.byPayment[key]; ok {
			return &domain.ErrDuplicate{Key: "provider payment " + key}
		}
		m.byPayment[key] = tx.ID
	}

	tx.Version = 1
	m.byID[tx.ID] = tx.Clone()
	return nil
}

// Get returns a copy of the transaction.
func (m *Memory) Get(_ context.Context, id string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	return tx.Clone(), nil
}

// FindByProviderPaymentID resolves a gateway identifier.
func (m *Memory) FindByProviderPaymentID(_ context.Context, provider domain.Provider, providerPaymentID string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPayment[paymentKey(provider, providerPaymentID)]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: string(provider) + "/" + providerPaymentID}
	}
	return m.byID[id].Clone(), nil
}

// Update replaces the transaction if tx.Version matches the stored one.
func (m *Memory) Update(_ context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[tx.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "transaction", ID: tx.ID}
	}
	if current.Version != tx.Version {
		return &domain.ErrConflict{Resource: "transaction", ID: tx.ID, Version: tx.Version}
	}

	if tx.ProviderPaymentID != current.ProviderPaymentID || tx.Provider != current.Provider {
		if tx.ProviderPaymentID != "" {
			key := paymentKey(tx.Provider, tx.ProviderPaymentID)
			if owner, ok := m.byPayment[key]; ok && owner != tx.ID {
				return &domain.ErrDuplicate{Key: "provider payment " + key}
			}
			m.byPayment[key] = tx.ID
		}
		if current.ProviderPaymentID != "" {
			delete(m.byPayment, paymentKey(current.Provider, current.ProviderPaymentID))
		}
	}

	tx.Version++
	m.byID[tx.ID] = tx.Clone()
	return nil
}

// AppendWebhookLog adds entry to the stored transaction and bumps its version.
func (m *Memory) AppendWebhookLog(_ context.Context, id string, entry domain.WebhookLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[id]
	if !ok {
		return &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	next := current.Clone()
	next.WebhookLog = append(next.WebhookLog, entry)
	next.UpdatedAt = entry.ReceivedAt
	next.Version++
	m.byID[id] = next
	return nil
}

// List returns matching transactions, oldest first.
func (m *Memory) List(_ context.Context, f port.TransactionFilter) ([]*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range m.byID {
		if Matches(tx, f) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Matches reports whether tx satisfies every set field of f.
func Matches(tx *domain.Transaction, f port.TransactionFilter) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, tx.Status) {
		return false
	}
	if len(f.Providers) > 0 && !contains(f.Providers, tx.Provider) {
		return false
	}
	if len(f.SyncStates) > 0 && !contains(f.SyncStates, tx.SyncState) {
		return false
	}
	if !f.CreatedAfter.IsZero() && !tx.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !tx.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.DueBefore.IsZero() && !tx.DueDate.Before(f.DueBefore) {
		return false
	}
	if f.Stalled != nil && tx.Stalled != *f.Stalled {
		return false
	}
	if f.WithPaymentID && tx.ProviderPaymentID == "" {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
