package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type mockWriter struct {
	msgs []kafka.Message
	err  error
}

func (m *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockWriter) Close() error { return nil }

func sampleEvent() domain.TransactionEvent {
	return domain.TransactionEvent{
		Type:          domain.EventTypeStatusChanged,
		TransactionID: "tx-1",
		Provider:      domain.ProviderAsaas,
		From:          domain.StatusPending,
		To:            domain.StatusApproved,
		Source:        domain.SourceWebhook,
		OccurredAt:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_KeysByTransaction(t *testing.T) {
	w := &mockWriter{}
	p := &KafkaPublisher{writer: w, logger: zap.NewNop()}

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "tx-1" {
		t.Errorf("expected key tx-1, got %q", msg.Key)
	}
	var got domain.TransactionEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if got.To != domain.StatusApproved || got.Source != domain.SourceWebhook {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestKafkaPublisher_WrapsErrors(t *testing.T) {
	p := &KafkaPublisher{writer: &mockWriter{err: errors.New("broker down")}, logger: zap.NewNop()}

	err := p.Publish(context.Background(), sampleEvent())
	var ext *domain.ErrExternalService
	if !errors.As(err, &ext) || ext.Service != "kafka" {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	w := &mockWriter{}
	b := NewBroadcaster(&KafkaPublisher{writer: w, logger: zap.NewNop()}, zap.NewNop())

	ch1, cancel1 := b.Subscribe(1)
	ch2, cancel2 := b.Subscribe(1)
	defer cancel2()

	if err := b.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	if (<-ch1).TransactionID != "tx-1" || (<-ch2).TransactionID != "tx-1" {
		t.Error("both subscribers should receive the event")
	}
	if len(w.msgs) != 1 {
		t.Errorf("expected downstream publish, got %d", len(w.msgs))
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("expected closed channel after cancel")
	}

	// full subscriber must not block
	_ = b.Publish(context.Background(), sampleEvent())
	done := make(chan struct{})
	go func() {
		_ = b.Publish(context.Background(), sampleEvent())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
