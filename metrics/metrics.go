// Package metrics holds the Prometheus collectors for a run. All helpers are
// no-ops on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swarmsim"

type Metrics struct {
	Registry *prometheus.Registry

	connsAccepted prometheus.Counter
	connsRejected prometheus.Counter
	unplaced      prometheus.Counter
	frames        *prometheus.CounterVec
	groups        *prometheus.CounterVec
	activeGroups  prometheus.Gauge
	cycleSeconds  prometheus.Histogram
	barrierWait   prometheus.Histogram
	clientLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Client connections admitted to the session.",
		}),
		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Client connections refused by admission control.",
		}),
		unplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_unplaced_total",
			Help:      "Clients left over after partitioning into full groups.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Protocol frames moved, by direction.",
		}, []string{"direction"}),
		groups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_total",
			Help:      "Finished group workers, by outcome.",
		}, []string{"outcome"}),
		activeGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups_active",
			Help:      "Group workers currently running.",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one broadcast cycle within a group.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		barrierWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "barrier_wait_seconds",
			Help:      "Time a group spent waiting at the cross-group barrier.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		clientLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "client_latency_milliseconds",
			Help:      "Round-trip latency reported by clients.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
	m.Registry.MustRegister(
		m.connsAccepted, m.connsRejected, m.unplaced, m.frames, m.groups,
		m.activeGroups, m.cycleSeconds, m.barrierWait, m.clientLatency,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnAccepted() {
	if m != nil {
		m.connsAccepted.Inc()
	}
}

func (m *Metrics) ConnRejected() {
	if m != nil {
		m.connsRejected.Inc()
	}
}

func (m *Metrics) Unplaced(n int) {
	if m != nil {
		m.unplaced.Add(float64(n))
	}
}

func (m *Metrics) FramesIn(n int) {
	if m != nil {
		m.frames.WithLabelValues("in").Add(float64(n))
	}
}

func (m *Metrics) FramesOut(n int) {
	if m != nil {
		m.frames.WithLabelValues("out").Add(float64(n))
	}
}

func (m *Metrics) GroupStarted() {
	if m != nil {
		m.activeGroups.Inc()
	}
}

// GroupFinished records a worker exit with outcome "ok" or "failed".
func (m *Metrics) GroupFinished(outcome string) {
	if m != nil {
		m.activeGroups.Dec()
		m.groups.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m != nil {
		m.cycleSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveBarrierWait(d time.Duration) {
	if m != nil {
		m.barrierWait.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveLatency(ms uint64) {
	if m != nil {
		m.clientLatency.Observe(float64(ms))
	}
}
