package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const ledgerNamespace = "editions"

// Pass outcomes recorded by LedgerMetrics.ObservePass.
const (
	PassOutcomeCommitted = "committed"
	PassOutcomeNoop      = "noop"
	PassOutcomeRetried   = "retried"
	PassOutcomeFailed    = "failed"
	PassOutcomeRequeued  = "requeued"
)

// LedgerMetrics tracks resequencing passes and ingestion throughput.
type LedgerMetrics struct {
	passDuration *prometheus.HistogramVec
	passes       *prometheus.CounterVec
	itemsChanged prometheus.Counter
	flagged      *prometheus.CounterVec
	lockWaits    *prometheus.CounterVec
	unresolved   prometheus.Gauge
	ingested     *prometheus.CounterVec
	skipped      *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
// A nil registerer yields a recorder whose methods are no-ops.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	m := &LedgerMetrics{
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ledgerNamespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of resequencing passes in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ledgerNamespace,
			Name:      "passes_total",
			Help:      "Resequencing passes by outcome.",
		}, []string{"outcome"}),
		itemsChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ledgerNamespace,
			Name:      "line_items_changed_total",
			Help:      "Line items whose edition fields were rewritten by a pass.",
		}),
		flagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ledgerNamespace,
			Name:      "products_flagged_total",
			Help:      "Products flagged for operator attention by reason.",
		}, []string{"state"}),
		lockWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ledgerNamespace,
			Name:      "product_lock_waits_total",
			Help:      "Per-product lock acquisitions by result.",
		}, []string{"result"}),
		unresolved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ledgerNamespace,
			Name:      "unresolved_provisional_orders",
			Help:      "Orders served only by a provisional record at the last check.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ledgerNamespace,
			Name:      "orders_ingested_total",
			Help:      "Orders accepted by ingestion per source.",
		}, []string{"source"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ledgerNamespace,
			Name:      "payload_elements_skipped_total",
			Help:      "Malformed orders, line items or refund lines skipped during ingestion.",
		}, []string{"source"}),
	}
	reg.MustRegister(m.passDuration, m.passes, m.itemsChanged, m.flagged, m.lockWaits, m.unresolved, m.ingested, m.skipped)
	return m
}

// ObservePass records one pass attempt and its duration.
func (m *LedgerMetrics) ObservePass(outcome string, duration time.Duration) {
	if m == nil || m.passes == nil {
		return
	}
	outcome = normalizeLabel(outcome)
	m.passes.WithLabelValues(outcome).Inc()
	m.passDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// AddItemsChanged counts line items rewritten by a committed pass.
func (m *LedgerMetrics) AddItemsChanged(n int) {
	if m == nil || m.itemsChanged == nil || n <= 0 {
		return
	}
	m.itemsChanged.Add(float64(n))
}

// IncFlagged counts a product flag transition.
func (m *LedgerMetrics) IncFlagged(state string) {
	if m == nil || m.flagged == nil {
		return
	}
	m.flagged.WithLabelValues(normalizeLabel(state)).Inc()
}

// IncLockWait counts a lock acquisition attempt; result is acquired, timeout or lost.
func (m *LedgerMetrics) IncLockWait(result string) {
	if m == nil || m.lockWaits == nil {
		return
	}
	m.lockWaits.WithLabelValues(normalizeLabel(result)).Inc()
}

// SetUnresolved publishes the current number of unresolved provisional orders.
func (m *LedgerMetrics) SetUnresolved(n int) {
	if m == nil || m.unresolved == nil {
		return
	}
	m.unresolved.Set(float64(n))
}

// AddIngested counts accepted orders for a source.
func (m *LedgerMetrics) AddIngested(source string, n int) {
	if m == nil || m.ingested == nil || n <= 0 {
		return
	}
	m.ingested.WithLabelValues(normalizeLabel(source)).Add(float64(n))
}

// AddSkipped counts malformed payload elements for a source.
func (m *LedgerMetrics) AddSkipped(source string, n int) {
	if m == nil || m.skipped == nil || n <= 0 {
		return
	}
	m.skipped.WithLabelValues(normalizeLabel(source)).Add(float64(n))
}
