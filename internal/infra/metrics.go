package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liquidity_ledger/internal/domain"
)

const metricsNamespace = "ledger"

// Metrics holds the daemon's Prometheus collectors on a private registry.
// It satisfies the coordinator's observer interface.
type Metrics struct {
	Registry *prometheus.Registry

	applied    *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	entries    prometheus.Counter
	txDuration *prometheus.HistogramVec
	lockWait   prometheus.Histogram
	frozen     *prometheus.CounterVec
	headSeq    prometheus.Gauge
	snapshots  *prometheus.CounterVec
	feedSubs   prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tx",
			Name:      "applied_total",
			Help:      "Transactions applied, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tx",
			Name:      "rejected_total",
			Help:      "Transactions rejected, by kind and error kind.",
		}, []string{"kind", "error"}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries appended.",
		}),
		txDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "tx",
			Name:      "duration_seconds",
			Help:      "Time from submission to commit of applied transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"kind"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "tx",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring entity locks.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		frozen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "entities_frozen_total",
			Help:      "Pools and accounts frozen for audit.",
		}, []string{"entity"}),
		headSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "head_seq",
			Help:      "Sequence number of the last committed entry.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshots_total",
			Help:      "Snapshot attempts, by result.",
		}, []string{"result"}),
		feedSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Connected ledger stream subscribers.",
		}),
	}
	m.Registry.MustRegister(
		m.applied, m.rejected, m.entries, m.txDuration, m.lockWait,
		m.frozen, m.headSeq, m.snapshots, m.feedSubs,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveApplied(kind domain.TxKind, entries int, took time.Duration) {
	m.applied.WithLabelValues(string(kind)).Inc()
	m.entries.Add(float64(entries))
	m.txDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

func (m *Metrics) ObserveRejected(kind domain.TxKind, errKind domain.ErrorKind) {
	m.rejected.WithLabelValues(string(kind), string(errKind)).Inc()
}

func (m *Metrics) ObserveLockWait(took time.Duration) { m.lockWait.Observe(took.Seconds()) }

func (m *Metrics) ObserveFrozen(entityKind string) { m.frozen.WithLabelValues(entityKind).Inc() }

func (m *Metrics) ObserveHead(seq uint64) { m.headSeq.Set(float64(seq)) }

func (m *Metrics) ObserveSnapshot(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedSubscribers(delta int) { m.feedSubs.Add(float64(delta)) }
