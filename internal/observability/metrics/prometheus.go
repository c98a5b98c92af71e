// Package metrics provides Prometheus metrics for the pharmacy engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. Every method is safe on a nil receiver.
type Metrics struct {
	SalesPosted         prometheus.Counter
	SalesRejected       *prometheus.CounterVec
	SaleAmount          prometheus.Counter
	UnitsDispensed      prometheus.Counter
	RefundsPosted       prometheus.Counter
	RefundAmount        prometheus.Counter
	LotsReceived        prometheus.Counter
	LotStatusChanges    *prometheus.CounterVec
	ShiftsOpen          prometheus.Gauge
	ShiftVariance       prometheus.Histogram
	PostingDuration     prometheus.Histogram
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	KafkaMessagesOut    prometheus.Counter
	KafkaMessagesIn     prometheus.Counter
	OutboxPending       prometheus.Gauge
	AlertsDispatched    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SalesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmpos_sales_posted_total",
			Help: "Total sale transactions committed",
		}),
		SalesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmpos_sales_rejected_total",
			Help: "Sale postings rejected, by error kind",
		}, []string{"kind"}),
		SaleAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmpos_sales_amount_total",
			Help: "Sum of grand totals of committed sales",
		}),
		UnitsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmpos_units_dispensed_total",
			Help: "Units deducted from lots by sales",
		}),
		RefundsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmpos_refunds_posted_total",
			Help: "Total refunds committed",
		}),
		RefundAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmpos_refunds_amount_total",
			Help: "Sum of refunded amounts",
		}),
		LotsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmpos_lots_received_total",
			Help: "Lots received into the ledger",
		}),
		LotStatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmpos_lot_status_changes_total",
			Help: "Lot status transitions, by new status",
		}, []string{"status"}),
		ShiftsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pharmpos_shifts_open",
			Help: "Shifts opened minus shifts closed by this process",
		}),
		ShiftVariance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pharmpos_shift_variance_abs",
			Help:    "Absolute cash variance at shift close",
			Buckets: []float64{0, 0.5, 1, 5, 10, 50, 100, 500},
		}),
		PostingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pharmpos_sale_posting_duration_seconds",
			Help:    "Sale posting duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmpos_http_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pharmpos_http_request_duration_seconds",
			Help:    "HTTP request duration by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		KafkaMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		AlertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmpos_alerts_dispatched_total",
			Help: "Inventory alerts delivered, by status and outcome",
		}, []string{"status", "outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.SalesPosted,
		m.SalesRejected,
		m.SaleAmount,
		m.UnitsDispensed,
		m.RefundsPosted,
		m.RefundAmount,
		m.LotsReceived,
		m.LotStatusChanges,
		m.ShiftsOpen,
		m.ShiftVariance,
		m.PostingDuration,
		m.HTTPRequests,
		m.HTTPDuration,
		m.KafkaMessagesOut,
		m.KafkaMessagesIn,
		m.OutboxPending,
		m.AlertsDispatched,
		m.CircuitBreakerState,
	)

	return m
}

// SalePosted records a committed sale.
func (m *Metrics) SalePosted(amount float64, units int, took time.Duration) {
	if m == nil {
		return
	}
	m.SalesPosted.Inc()
	m.SaleAmount.Add(amount)
	m.UnitsDispensed.Add(float64(units))
	m.PostingDuration.Observe(took.Seconds())
}

// SaleRejected records a failed posting by error kind.
func (m *Metrics) SaleRejected(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "internal"
	}
	m.SalesRejected.WithLabelValues(kind).Inc()
}

// RefundPosted records a committed refund.
func (m *Metrics) RefundPosted(amount float64) {
	if m == nil {
		return
	}
	m.RefundsPosted.Inc()
	m.RefundAmount.Add(amount)
}

// LotReceived records a stock receipt.
func (m *Metrics) LotReceived() {
	if m == nil {
		return
	}
	m.LotsReceived.Inc()
}

// LotStatusChanged records a lot status transition.
func (m *Metrics) LotStatusChanged(status string) {
	if m == nil {
		return
	}
	m.LotStatusChanges.WithLabelValues(status).Inc()
}

// ShiftOpened records a shift start.
func (m *Metrics) ShiftOpened() {
	if m == nil {
		return
	}
	m.ShiftsOpen.Inc()
}

// ShiftClosed records a shift close and its absolute variance.
func (m *Metrics) ShiftClosed(absVariance float64) {
	if m == nil {
		return
	}
	m.ShiftsOpen.Dec()
	m.ShiftVariance.Observe(absVariance)
}

// HTTPObserved records one served request.
func (m *Metrics) HTTPObserved(route, method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(took.Seconds())
}

// AlertDispatched records an alert delivery outcome.
func (m *Metrics) AlertDispatched(status, outcome string) {
	if m == nil {
		return
	}
	m.AlertsDispatched.WithLabelValues(status, outcome).Inc()
}

// BreakerState records a circuit breaker state.
func (m *Metrics) BreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// MessageProduced counts a message written to Kafka.
func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesOut.Inc()
}

// MessageConsumed counts a message read from Kafka.
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesIn.Inc()
}

// OutboxBacklog sets the number of unpublished outbox entries.
func (m *Metrics) OutboxBacklog(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
