package monitor

import (
	"net/http"
	"time"

	"clob-agent/internal/order"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clob_agent"

// Metrics holds the agent's prometheus collectors. It satisfies the observer
// interfaces of the limiter, the validator and the engine.
type Metrics struct {
	gatherer prometheus.Gatherer

	ordersTerminal    *prometheus.CounterVec
	admissionWait     *prometheus.HistogramVec
	admissionTimeouts *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	retries           prometheus.Counter
	intents           *prometheus.HistogramVec
	intentFailures    *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	feedState         *prometheus.GaugeVec

	// IntentLatency keeps a sliding window for the status resource.
	IntentLatency *LatencyHistogram
}

// New registers the collectors on a private registry. A nil registry gets a
// fresh one with the Go and process collectors.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return newMetrics(registry, registry)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		ordersTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_terminal_total",
			Help:      "Orders that reached a terminal state.",
		}, []string{"status"}),
		admissionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for a rate-limit permit.",
			Buckets:   []float64{0, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"class"}),
		admissionTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_timeouts_total",
			Help:      "Permits not granted within the bounded wait.",
		}, []string{"class"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Candidate orders rejected by the safety validator.",
		}, []string{"reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_retries_total",
			Help:      "Transport failures retried during submission or cancel.",
		}),
		intents: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "intent_duration_seconds",
			Help:      "Wall time to execute an intent.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"intent"}),
		intentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_failures_total",
			Help:      "Intents that ended with an error.",
		}, []string{"intent"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Streaming sessions re-established after a drop.",
		}, []string{"channel"}),
		feedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_streaming",
			Help:      "1 while the channel is streaming.",
		}, []string{"channel"}),
		IntentLatency: NewLatencyHistogram(1000),
	}
	reg.MustRegister(
		m.ordersTerminal,
		m.admissionWait,
		m.admissionTimeouts,
		m.rejections,
		m.retries,
		m.intents,
		m.intentFailures,
		m.reconnects,
		m.feedState,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) AdmissionWaited(class string, wait time.Duration) {
	m.admissionWait.WithLabelValues(class).Observe(wait.Seconds())
}

func (m *Metrics) AdmissionRejected(class string) {
	m.admissionTimeouts.WithLabelValues(class).Inc()
}

func (m *Metrics) ValidationRejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubmissionRetried() {
	m.retries.Inc()
}

func (m *Metrics) IntentExecuted(kind string, took time.Duration, failed bool) {
	m.intents.WithLabelValues(kind).Observe(took.Seconds())
	m.IntentLatency.RecordDuration(took)
	if failed {
		m.intentFailures.WithLabelValues(kind).Inc()
	}
}

// OrderUpdated counts transitions into a terminal state. It is meant to be
// registered with order.Manager.OnUpdate.
func (m *Metrics) OrderUpdated(u order.Update) {
	if u.Order.Status.Terminal() && !u.From.Terminal() {
		m.ordersTerminal.WithLabelValues(string(u.Order.Status)).Inc()
	}
}

func (m *Metrics) FeedReconnected(channel string) {
	m.reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) FeedStreaming(channel string, streaming bool) {
	v := 0.0
	if streaming {
		v = 1
	}
	m.feedState.WithLabelValues(channel).Set(v)
}
