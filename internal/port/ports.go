// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
)

// TransactionFilter selects transactions for listing. Zero values do not filter.
type TransactionFilter struct {
	Statuses      []domain.Status
	Providers     []domain.Provider
	CreatedAfter  time.Time
	CreatedBefore time.Time
	DueBefore     time.Time
	Stalled       *bool
	SyncStates    []domain.SyncState
	WithPaymentID bool
	Limit         int
}

// TransactionStore is the durable, authoritative record of transactions.
// Update uses optimistic concurrency: it succeeds only when the stored
// version equals tx.Version, and bumps tx.Version on success.
type TransactionStore interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	FindByProviderPaymentID(ctx context.Context, provider domain.Provider, providerPaymentID string) (*domain.Transaction, error)
	Update(ctx context.Context, tx *domain.Transaction) error
	// AppendWebhookLog adds one delivery to the webhook log without the
	// per-transaction lock. It bumps the version so a concurrent Update
	// conflicts and reloads instead of dropping the entry.
	AppendWebhookLog(ctx context.Context, id string, entry domain.WebhookLogEntry) error
	List(ctx context.Context, filter TransactionFilter) ([]*domain.Transaction, error)
}

// Gateway is a payment provider adapter.
type Gateway interface {
	Provider() domain.Provider
	CreatePix(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error)
	CreateBoleto(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error)
	ChargeCard(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentResult, error)
	QueryStatus(ctx context.Context, providerPaymentID string) (*domain.StatusReport, error)
	CancelPayment(ctx context.Context, providerPaymentID string) error
	RefundPayment(ctx context.Context, providerPaymentID string) error

	// VerifyWebhook authenticates a push before anything else touches it.
	VerifyWebhook(header http.Header, body []byte, now time.Time) error
	// ParseWebhook extracts the payment id and status from a verified push.
	ParseWebhook(body []byte) (*domain.WebhookNotification, error)
}

// GatewayRegistry resolves the adapter for a provider.
type GatewayRegistry interface {
	Get(provider domain.Provider) (Gateway, error)
}

// LedgerStore is the condominium application's financial records.
type LedgerStore interface {
	FindOrigin(ctx context.Context, originType domain.OriginType, originID string) (*domain.OriginRecord, error)
	MarkPaid(ctx context.Context, origin *domain.OriginRecord, paidAt time.Time, method domain.Method, transactionRef string) error
}

// Locker serializes work on one key across goroutines (and processes,
// depending on the implementation). Acquire blocks until the lock is held
// or ctx is done; the returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// EventPublisher fans transaction events out to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.TransactionEvent) error
}
