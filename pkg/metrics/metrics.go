package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Packet metrics
	packetsReceived *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec

	// Auth metrics
	authRequests *prometheus.CounterVec
	authLatency  *prometheus.HistogramVec

	// Accounting metrics
	acctRequests *prometheus.CounterVec
	acctLatency  *prometheus.HistogramVec

	// Billing metrics
	billingOutcomes *prometheus.CounterVec
	billingCharged  *prometheus.CounterVec

	// Session metrics
	sessionActive   prometheus.Gauge
	sessionTotal    *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	ticketsWritten  *prometheus.CounterVec

	// CoA metrics
	coaRequests *prometheus.CounterVec
	coaAttempts prometheus.Histogram
	coaLatency  *prometheus.HistogramVec

	// References for collection
	sessions *session.Store
	logger   *zap.Logger
}

// New creates a new Metrics instance. sessions may be nil.
func New(sessions *session.Store, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		sessions: sessions,
		logger:   logger,

		packetsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_packets_received_total",
				Help: "Total datagrams received by listener",
			},
			[]string{"listener"},
		),

		packetsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_packets_dropped_total",
				Help: "Total datagrams dropped without a reply, by reason",
			},
			[]string{"listener", "reason"},
		),

		authRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_auth_requests_total",
				Help: "Total Access-Requests by credential algorithm and result",
			},
			[]string{"algorithm", "result"},
		),

		authLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radiusd_auth_latency_seconds",
				Help:    "Access-Request processing latency",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"result"},
		),

		acctRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_acct_requests_total",
				Help: "Total Accounting-Requests by Acct-Status-Type",
			},
			[]string{"status_type"},
		),

		acctLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radiusd_acct_latency_seconds",
				Help:    "Accounting-Request processing latency",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"status_type"},
		),

		billingOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_billing_outcomes_total",
				Help: "Total billing applications by outcome",
			},
			[]string{"outcome"},
		),

		billingCharged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_billing_charged_total",
				Help: "Total usage deducted from accounts, in seconds or KiB",
			},
			[]string{"unit"},
		),

		sessionActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radiusd_sessions_active",
				Help: "Number of online sessions",
			},
		),

		sessionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_sessions_total",
				Help: "Total session lifecycle events",
			},
			[]string{"event"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radiusd_session_duration_seconds",
				Help:    "Duration of closed sessions",
				Buckets: prometheus.ExponentialBuckets(60, 4, 8),
			},
		),

		ticketsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_tickets_total",
				Help: "Total tickets handed to the ticket sink by result",
			},
			[]string{"result"},
		),

		coaRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_coa_requests_total",
				Help: "Total CoA/Disconnect requests by kind and result",
			},
			[]string{"kind", "result"},
		),

		coaAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radiusd_coa_attempts",
				Help:    "Send attempts per CoA/Disconnect request",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
		),

		coaLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radiusd_coa_latency_seconds",
				Help:    "CoA/Disconnect round-trip latency including retries",
				Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"kind"},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.packetsReceived,
		m.packetsDropped,
		m.authRequests,
		m.authLatency,
		m.acctRequests,
		m.acctLatency,
		m.billingOutcomes,
		m.billingCharged,
		m.sessionActive,
		m.sessionTotal,
		m.sessionDuration,
		m.ticketsWritten,
		m.coaRequests,
		m.coaAttempts,
		m.coaLatency,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordPacket records a received datagram
func (m *Metrics) RecordPacket(listener string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(listener).Inc()
}

// RecordDrop records a datagram dropped without reply
func (m *Metrics) RecordDrop(listener, reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(listener, reason).Inc()
}

// RecordAuth records an authentication decision
func (m *Metrics) RecordAuth(algorithm, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.authRequests.WithLabelValues(algorithm, result).Inc()
	m.authLatency.WithLabelValues(result).Observe(latency.Seconds())
}

// RecordAcct records a processed accounting request
func (m *Metrics) RecordAcct(statusType string, latency time.Duration) {
	if m == nil {
		return
	}
	m.acctRequests.WithLabelValues(statusType).Inc()
	m.acctLatency.WithLabelValues(statusType).Observe(latency.Seconds())
}

// RecordBilling records a billing outcome and the amount charged
func (m *Metrics) RecordBilling(outcome, unit string, charged int64) {
	if m == nil {
		return
	}
	m.billingOutcomes.WithLabelValues(outcome).Inc()
	if charged > 0 && unit != "" {
		m.billingCharged.WithLabelValues(unit).Add(float64(charged))
	}
}

// RecordSessionCreated records a new online session
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionTotal.WithLabelValues("created").Inc()
}

// RecordSessionClosed records a session leaving the online table
func (m *Metrics) RecordSessionClosed(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionTotal.WithLabelValues(reason).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

// RecordTicket records the result of writing a ticket
func (m *Metrics) RecordTicket(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ticketsWritten.WithLabelValues(result).Inc()
}

// RecordCoA records a finished CoA/Disconnect request
func (m *Metrics) RecordCoA(kind, result string, attempts int, latency time.Duration) {
	if m == nil {
		return
	}
	m.coaRequests.WithLabelValues(kind, result).Inc()
	m.coaAttempts.Observe(float64(attempts))
	m.coaLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates gauges from the session table
func (m *Metrics) Collect() {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessionActive.Set(float64(m.sessions.Count()))
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
