package domain

import (
	"fmt"
	"time"
)

// Status is the canonical payment status shared by every gateway.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCanceled   Status = "canceled"
	StatusRefunded   Status = "refunded"
	StatusExpired    Status = "expired"
)

// Statuses lists every canonical status.
var Statuses = []Status{
	StatusPending, StatusProcessing, StatusApproved, StatusRejected,
	StatusCanceled, StatusRefunded, StatusExpired,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusApproved, StatusRejected,
		StatusCanceled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no ordinary transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCanceled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// rank orders the non-terminal states; terminal states share the top rank.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	}
	return 2
}

// Source is the mechanism that produced a status signal.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceMonitor Source = "monitor"
	SourceGateway Source = "gateway"
	SourceManual  Source = "manual"
	SourceSweep   Source = "sweep"
)

// Audit event names.
const (
	EventCreated              = "transaction_created"
	EventGatewayRequested     = "gateway_payment_created"
	EventGatewayFailed        = "gateway_request_failed"
	EventDuplicateSignal      = "duplicate_signal"
	EventAnomaly              = "transition_anomaly"
	EventUnknownStatus        = "unknown_provider_status"
	EventStalled              = "reconciliation_stalled"
	EventLedgerSynced         = "ledger_synced"
	EventLedgerAlreadyPaid    = "ledger_already_paid"
	EventLedgerSyncIncomplete = "ledger_sync_incomplete"
)

// StatusUpdatedEvent names the audit event for a transition caused by src.
func StatusUpdatedEvent(src Source) string {
	return "status_updated_by_" + string(src)
}

// TransitionKind classifies the outcome of Transition.
type TransitionKind string

const (
	TransitionApplied   TransitionKind = "applied"
	TransitionDuplicate TransitionKind = "duplicate"
	TransitionAnomaly   TransitionKind = "anomaly"
)

// Decision is the result of feeding a signal into the state machine.
type Decision struct {
	From               Status
	To                 Status
	Incoming           Status
	Kind               TransitionKind
	LedgerSyncRequired bool
}

// Transition is the single state machine used by every ingress path.
// It is pure: the caller persists the result.
func Transition(current, incoming Status, src Source) (Decision, error) {
	d := Decision{From: current, To: current, Incoming: incoming}
	if !incoming.Valid() {
		return d, &ErrValidation{Field: "status", Message: fmt.Sprintf("unknown status %q", incoming)}
	}

	switch {
	case incoming == current:
		d.Kind = TransitionDuplicate
		return d, nil

	case current.Terminal():
		if current == StatusApproved && incoming == StatusRefunded {
			d.To = incoming
			d.Kind = TransitionApplied
			return d, nil
		}
		d.Kind = TransitionAnomaly
		return d, &ErrIllegalTransition{From: current, To: incoming, Source: src}

	case incoming.rank() < current.rank():
		d.Kind = TransitionAnomaly
		return d, &ErrIllegalTransition{From: current, To: incoming, Source: src}
	}

	d.To = incoming
	d.Kind = TransitionApplied
	d.LedgerSyncRequired = incoming == StatusApproved
	return d, nil
}

// ApplyDecision records d on the transaction: status, timestamps and
// exactly one audit entry.
func (t *Transaction) ApplyDecision(d Decision, src Source, at time.Time, details, actor string) {
	switch d.Kind {
	case TransitionDuplicate:
		t.Audit(at, EventDuplicateSignal, withDetails(fmt.Sprintf("%s reported %s again", src, d.Incoming), details), actor)
		return
	case TransitionAnomaly:
		t.Audit(at, EventAnomaly, withDetails(fmt.Sprintf("%s reported %s while %s, ignored", src, d.Incoming, d.From), details), actor)
		return
	}

	t.Status = d.To
	switch d.To {
	case StatusProcessing:
		t.ProcessedAt = &at
	case StatusApproved:
		if t.ProcessedAt == nil {
			t.ProcessedAt = &at
		}
		t.ConfirmedAt = &at
		t.Stalled = false
	case StatusCanceled, StatusExpired:
		t.CanceledAt = &at
	case StatusRejected:
		if t.ProcessedAt == nil {
			t.ProcessedAt = &at
		}
	}
	if d.LedgerSyncRequired {
		t.SyncState = SyncPending
	}
	t.Audit(at, StatusUpdatedEvent(src), withDetails(fmt.Sprintf("%s -> %s", d.From, d.To), details), actor)
}

func withDetails(msg, details string) string {
	if details == "" {
		return msg
	}
	return msg + ": " + details
}
