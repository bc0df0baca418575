package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for the delivery engine.
type Metrics struct {
	// HTTP (carried for the minimal /healthz surface and any future API layer)
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Messages
	MessagesClaimedTotal  *prometheus.CounterVec
	MessageClaimDuration  prometheus.Histogram
	MessageSendDuration   prometheus.Histogram
	SMTPConnectionsTotal  *prometheus.CounterVec

	// Webhooks
	WebhookDeliveriesTotal   *prometheus.CounterVec
	WebhookDeliveryDuration  prometheus.Histogram

	// Listener
	SweepResetsTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mailcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mailcore",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed.",
		}),

		MessagesClaimedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailcore",
			Subsystem: "message",
			Name:      "claimed_total",
			Help:      "Total number of messages claimed by the worker, by outcome.",
		}, []string{"outcome"}),
		MessageClaimDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mailcore",
			Subsystem: "message",
			Name:      "claim_duration_seconds",
			Help:      "Time spent processing one claimed message end to end.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		MessageSendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mailcore",
			Subsystem: "message",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver a message via the SMTP relay.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		SMTPConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailcore",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total SMTP relay connection attempts, by result.",
		}, []string{"result"}),

		WebhookDeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailcore",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		WebhookDeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mailcore",
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one webhook HTTP request.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		SweepResetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mailcore",
			Subsystem: "listener",
			Name:      "sweep_resets_total",
			Help:      "Total messages reset from processing to queued by the visibility-timeout sweep.",
		}),
	}
}

// SMTPMetricsAdapter narrows Metrics to the smtpclient.Metrics interface so
// the SMTP Client package stays free of an observability import.
type SMTPMetricsAdapter struct {
	m *Metrics
}

// NewSMTPMetricsAdapter wraps m for use as smtpclient.Config.Metrics.
func NewSMTPMetricsAdapter(m *Metrics) *SMTPMetricsAdapter {
	return &SMTPMetricsAdapter{m: m}
}

func (a *SMTPMetricsAdapter) ObserveSendDuration(seconds float64) {
	a.m.MessageSendDuration.Observe(seconds)
}

func (a *SMTPMetricsAdapter) IncConnectionResult(result string) {
	a.m.SMTPConnectionsTotal.WithLabelValues(result).Inc()
}
