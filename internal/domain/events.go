package domain

import "time"

// Event types published on the status topic.
const (
	EventTypeStatusChanged        = "transaction.status_changed"
	EventTypeStalled              = "transaction.stalled"
	EventTypeLedgerSyncIncomplete = "ledger.sync_incomplete"
)

// TransactionEvent notifies subscribers about a persisted change.
type TransactionEvent struct {
	Type          string     `json:"type"`
	TransactionID string     `json:"transaction_id"`
	Provider      Provider   `json:"provider"`
	OriginType    OriginType `json:"origin_type"`
	OriginID      string     `json:"origin_id"`
	From          Status     `json:"from,omitempty"`
	To            Status     `json:"to"`
	Source        Source     `json:"source,omitempty"`
	Detail        string     `json:"detail,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// ============================================================
// Monitor snapshots
// ============================================================

// MonitorStats are the monitor's counters.
type MonitorStats struct {
	Running       bool       `json:"running"`
	Mode          string     `json:"mode"`
	Cycles        int64      `json:"cycles"`
	TotalChecks   int64      `json:"total_checks"`
	Confirmed     int64      `json:"confirmed"`
	Errors        int64      `json:"errors"`
	Stalled       int64      `json:"stalled"`
	LedgerRetries int64      `json:"ledger_retries"`
	LastCycleAt   *time.Time `json:"last_cycle_at,omitempty"`
	LastCycleTook string     `json:"last_cycle_duration,omitempty"`
}

// WatchItem is one transaction on the monitor's watch-list.
type WatchItem struct {
	TransactionID     string     `json:"transaction_id"`
	Provider          Provider   `json:"provider"`
	ProviderPaymentID string     `json:"provider_payment_id,omitempty"`
	Method            Method     `json:"method"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	WebhookReceived   bool       `json:"webhook_received"`
	CreatedAt         time.Time  `json:"created_at"`
	LastPolledAt      *time.Time `json:"last_polled_at,omitempty"`
}

// MonitorSnapshot is the read-only view served to operators.
type MonitorSnapshot struct {
	Stats     MonitorStats `json:"stats"`
	Pending   int          `json:"pending"`
	WatchList []WatchItem  `json:"watch_list"`
}

// WatchItemFrom projects a transaction onto the watch-list view.
func WatchItemFrom(t *Transaction) WatchItem {
	return WatchItem{
		TransactionID:     t.ID,
		Provider:          t.Provider,
		ProviderPaymentID: t.ProviderPaymentID,
		Method:            t.Method,
		Status:            t.Status,
		Attempts:          t.ReconcileAttempts,
		WebhookReceived:   t.WebhookReceived,
		CreatedAt:         t.CreatedAt,
		LastPolledAt:      t.LastPolledAt,
	}
}
