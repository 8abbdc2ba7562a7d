package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "escrowd"

// Signing request results.
const (
	ResultSigned   = "signed"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Metrics holds the escrow service collectors.
type Metrics struct {
	// SigningRequests counts signing requests by transaction type and
	// result.
	SigningRequests *prometheus.CounterVec

	// SecurityEvents counts audit events that signal a possible attack,
	// by kind.
	SecurityEvents *prometheus.CounterVec

	// TemplatesFinalized counts finalized templates by transaction type.
	TemplatesFinalized *prometheus.CounterVec

	// EscrowsCreated counts newly created escrow addresses.
	EscrowsCreated prometheus.Counter

	// SigningDuration observes how long a signing request takes, key
	// derivation and decryption included.
	SigningDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SigningRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signing_requests_total",
				Help:      "Template signing requests by result.",
			}, []string{"tx_type", "result"},
		),
		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_events_total",
				Help:      "Security relevant audit events.",
			}, []string{"kind"},
		),
		TemplatesFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "templates_finalized_total",
				Help:      "Templates that reached two signatures.",
			}, []string{"tx_type"},
		),
		EscrowsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escrows_created_total",
				Help:      "Escrow addresses created.",
			},
		),
		SigningDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "signing_duration_seconds",
				Help:      "Latency of template signing requests.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.SigningRequests, m.SecurityEvents, m.TemplatesFinalized,
		m.EscrowsCreated, m.SigningDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ObserveSigning records the result and duration of a signing request.
func (m *Metrics) ObserveSigning(txType, result string, d time.Duration) {
	m.SigningRequests.WithLabelValues(txType, result).Inc()
	m.SigningDuration.Observe(d.Seconds())
}

// IncSecurityEvent counts a security event.
func (m *Metrics) IncSecurityEvent(kind string) {
	m.SecurityEvents.WithLabelValues(kind).Inc()
}

// IncFinalized counts a finalized template.
func (m *Metrics) IncFinalized(txType string) {
	m.TemplatesFinalized.WithLabelValues(txType).Inc()
}
