package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/vitalsd/internal/status"
)

// Metrics holds the pipeline's Prometheus collectors. It is driven by
// status events, so it subscribes to the bus instead of being threaded
// through every component.
type Metrics struct {
	ticks           prometheus.Counter
	appended        *prometheus.CounterVec
	appendFailed    *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	dispatchDropped prometheus.Counter
	ingressApplied  prometheus.Counter
	ingressDropped  prometheus.Counter
	storageDown     prometheus.Counter
	recording       prometheus.Gauge
	outboxDepth     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalsd_ticks_total",
			Help: "Recording ticks that flushed the sample store.",
		}),
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalsd_log_appends_total",
			Help: "Records appended to the local log.",
		}, []string{"signal"}),
		appendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalsd_log_append_failures_total",
			Help: "Records that could not be appended to the local log.",
		}, []string{"signal"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalsd_deliveries_total",
			Help: "Delivery attempts to the remote endpoint by outcome.",
		}, []string{"outcome"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitalsd_delivery_latency_seconds",
			Help:    "Round-trip time of delivery attempts.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		dispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalsd_dispatch_dropped_total",
			Help: "Observations dropped because the dispatch buffer was full.",
		}),
		ingressApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalsd_ingress_applied_total",
			Help: "Ingress fields applied to the sample store.",
		}),
		ingressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalsd_ingress_dropped_total",
			Help: "Ingress messages or fields dropped as malformed.",
		}),
		storageDown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalsd_storage_unavailable_total",
			Help: "Ticks that could not persist because the log was unavailable.",
		}),
		recording: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vitalsd_recording",
			Help: "1 while the recording scheduler is running.",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vitalsd_outbox_pending",
			Help: "Observations waiting in the durable outbox.",
		}),
	}

	reg.MustRegister(
		m.ticks, m.appended, m.appendFailed, m.deliveries, m.deliveryLatency,
		m.dispatchDropped, m.ingressApplied, m.ingressDropped, m.storageDown,
		m.recording, m.outboxDepth,
	)
	return m
}

// Observe updates the collectors for one status event.
func (m *Metrics) Observe(e status.Event) {
	switch e.Kind {
	case status.KindTick:
		m.ticks.Inc()
	case status.KindLogged:
		m.appended.WithLabelValues(e.Signal).Inc()
	case status.KindLogFailed:
		m.appendFailed.WithLabelValues(e.Signal).Inc()
	case status.KindDelivered, status.KindRejected, status.KindUnreachable:
		m.deliveries.WithLabelValues(string(e.Kind)).Inc()
		if e.Latency > 0 {
			m.deliveryLatency.Observe(e.Latency.Seconds())
		}
	case status.KindDispatchDropped:
		m.dispatchDropped.Inc()
	case status.KindIngressApplied:
		m.ingressApplied.Inc()
	case status.KindIngressDropped:
		m.ingressDropped.Inc()
	case status.KindStorageUnavailable:
		m.storageDown.Inc()
	case status.KindRecording:
		m.recording.Set(1)
	case status.KindIdle:
		m.recording.Set(0)
	}
}

// SetOutboxDepth records the number of pending outbox rows.
func (m *Metrics) SetOutboxDepth(n int) {
	m.outboxDepth.Set(float64(n))
}
