// Package metrics exposes miner counters to prometheus. Every method is safe
// on a nil *Metrics so callers can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/screa/blockfeed-miner/pkg/types"
)

const namespace = "blockfeed_miner"

// Metrics holds the miner's collectors.
type Metrics struct {
	hashes        prometheus.Counter
	searches      *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	reconnects    prometheus.Counter
	notifications *prometheus.CounterVec
	hashRate      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hashes_total",
			Help:      "Total digests evaluated across all searches.",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Searches finished, by terminal status.",
		}, []string{"status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Results handed to the node, by response.",
		}, []string{"status"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts made by the block feed subscriber.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "notifications_total",
			Help:      "Feed messages received, by kind (block, other, malformed).",
		}, []string{"kind"}),
		hashRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hash_rate",
			Help:      "Hashes per second of the most recently finished search.",
		}),
	}
	reg.MustRegister(m.hashes, m.searches, m.submissions, m.reconnects, m.notifications, m.hashRate)
	return m
}

// ObserveSearch records a finished search.
func (m *Metrics) ObserveSearch(out types.Outcome) {
	if m == nil {
		return
	}
	m.hashes.Add(float64(out.Attempts))
	m.searches.WithLabelValues(out.Status.String()).Inc()
	m.hashRate.Set(out.Rate())
}

// Submission records a submission result: accepted, rejected, or failed.
func (m *Metrics) Submission(status string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(status).Inc()
}

// FeedReconnect records one reconnect attempt.
func (m *Metrics) FeedReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// FeedNotification records one received feed message.
func (m *Metrics) FeedNotification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}
