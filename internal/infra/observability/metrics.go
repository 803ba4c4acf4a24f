package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the payments engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration  *prometheus.HistogramVec
	externalErrors   *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
	gatewayCalls     *prometheus.CounterVec
	gatewayDuration  *prometheus.HistogramVec
	monitorChecks    *prometheus.CounterVec
	monitorCycleTime prometheus.Histogram
	ledgerSyncs      *prometheus.CounterVec
	watchListSize    prometheus.Gauge
	stalled          prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payments_request_duration_seconds",
				Help:    "Duration of service operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_transitions_total",
				Help: "Status signals fed to the state machine, by source and outcome.",
			},
			[]string{"source", "kind"},
		),
		webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_webhooks_total",
				Help: "Webhook deliveries by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		gatewayCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_gateway_calls_total",
				Help: "Calls to payment gateways.",
			},
			[]string{"provider", "operation", "result"},
		),
		gatewayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payments_gateway_call_duration_seconds",
				Help:    "Latency of payment gateway calls.",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"provider", "operation"},
		),
		monitorChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_monitor_checks_total",
				Help: "Status queries issued by the reconciliation monitor.",
			},
			[]string{"result"},
		),
		monitorCycleTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "payments_monitor_cycle_duration_seconds",
				Help:    "Duration of reconciliation cycles.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ledgerSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_ledger_sync_total",
				Help: "Ledger synchronization attempts by outcome.",
			},
			[]string{"result"},
		),
		watchListSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "payments_watchlist_size",
				Help: "Transactions currently on the monitor watch-list.",
			},
		),
		stalled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "payments_stalled_total",
				Help: "Transactions that exhausted reconciliation attempts.",
			},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// RecordTransition counts one state machine decision.
func (m *Metrics) RecordTransition(source, kind string) {
	m.transitions.WithLabelValues(source, kind).Inc()
}

// RecordWebhook counts one webhook delivery.
func (m *Metrics) RecordWebhook(provider, outcome string) {
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

// RecordGatewayCall counts and times one gateway call.
func (m *Metrics) RecordGatewayCall(provider, operation, result string, d time.Duration) {
	m.gatewayCalls.WithLabelValues(provider, operation, result).Inc()
	m.gatewayDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// RecordMonitorCheck counts one monitor status query.
func (m *Metrics) RecordMonitorCheck(result string) {
	m.monitorChecks.WithLabelValues(result).Inc()
}

// RecordMonitorCycle times one reconciliation cycle.
func (m *Metrics) RecordMonitorCycle(d time.Duration) {
	m.monitorCycleTime.Observe(d.Seconds())
}

// RecordLedgerSync counts one ledger synchronization attempt.
func (m *Metrics) RecordLedgerSync(result string) {
	m.ledgerSyncs.WithLabelValues(result).Inc()
}

// SetWatchListSize publishes the current watch-list size.
func (m *Metrics) SetWatchListSize(n int) {
	m.watchListSize.Set(float64(n))
}

// IncrStalled counts a transaction that gave up on reconciliation.
func (m *Metrics) IncrStalled() {
	m.stalled.Inc()
}

// WebhookSnapshot sums webhook deliveries per outcome across providers.
func (m *Metrics) WebhookSnapshot() map[string]float64 {
	out := map[string]float64{}
	families, err := m.Registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		if mf.GetName() != "payments_webhooks_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			out[labelValue(metric, "outcome")] += metric.GetCounter().GetValue()
		}
	}
	return out
}

// CounterValue returns the current value of a counter series. Used by tests
// and the monitor status endpoint.
func (m *Metrics) CounterValue(name string, labels ...string) float64 {
	var cv *prometheus.CounterVec
	switch name {
	case "transitions":
		cv = m.transitions
	case "webhooks":
		cv = m.webhooks
	case "gateway_calls":
		cv = m.gatewayCalls
	case "monitor_checks":
		cv = m.monitorChecks
	case "ledger_sync":
		cv = m.ledgerSyncs
	case "external_errors":
		cv = m.externalErrors
	default:
		return 0
	}
	return getCounterValue(cv, labels...)
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
