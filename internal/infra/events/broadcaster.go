package events

import (
	"context"
	"sync"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/port"
	"go.uber.org/zap"
)

// Broadcaster fans events out to in-process subscribers and, optionally,
// a downstream publisher. Slow subscribers drop events instead of
// blocking the publisher.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.TransactionEvent
	nextID int
	next   port.EventPublisher
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster. next may be nil.
func NewBroadcaster(next port.EventPublisher, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan domain.TransactionEvent),
		next:   next,
		logger: logger,
	}
}

// Subscribe returns a buffered channel of events and a cancel func.
func (b *Broadcaster) Subscribe(buffer int) (<-chan domain.TransactionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan domain.TransactionEvent, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish delivers event to every subscriber, then to next.
func (b *Broadcaster) Publish(ctx context.Context, event domain.TransactionEvent) error {
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event subscriber full, dropping event",
				zap.String("type", event.Type),
				zap.String("transaction_id", event.TransactionID),
			)
		}
	}
	b.mu.RUnlock()

	if b.next == nil {
		return nil
	}
	return b.next.Publish(ctx, event)
}
