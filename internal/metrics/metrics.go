// Package metrics exposes the Prometheus counters and histograms observing
// message bus and cooldown registry activity.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the bus and cooldown registry publish.
type Registry struct {
	EnvelopesPublished  *prometheus.CounterVec
	EnvelopesDispatched *prometheus.CounterVec
	EnvelopesDropped    *prometheus.CounterVec
	RequestLatency      prometheus.Histogram

	CooldownAcquired *prometheus.CounterVec
	CooldownRejected *prometheus.CounterVec
	CooldownTracked  prometheus.Gauge
}

var (
	instance *Registry
	once     sync.Once
	registry = prometheus.DefaultRegisterer
)

// Default returns the process-wide singleton metrics registry, registering
// its collectors with the default Prometheus registerer on first use.
func Default() *Registry {
	once.Do(func() {
		instance = newRegistry()
	})
	return instance
}

func newRegistry() *Registry {
	return &Registry{
		EnvelopesPublished: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "messagebus_envelopes_published_total",
			Help: "Total envelopes handed to a transport, by operation (broadcast/send/reply).",
		}, []string{"operation"}),
		EnvelopesDispatched: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "messagebus_envelopes_dispatched_total",
			Help: "Total envelopes delivered to local subscribers, by message type.",
		}, []string{"message_type"}),
		EnvelopesDropped: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "messagebus_envelopes_dropped_total",
			Help: "Total envelopes dropped before dispatch, by reason.",
		}, []string{"reason"}),
		RequestLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "messagebus_request_duration_seconds",
			Help:    "Time from Request call to resolution (response or timeout).",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		CooldownAcquired: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "cooldown_acquired_total",
			Help: "Total accepted cooldown acquisitions, by policy.",
		}, []string{"policy"}),
		CooldownRejected: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "cooldown_rejected_total",
			Help: "Total rejected cooldown acquisitions, by policy.",
		}, []string{"policy"}),
		CooldownTracked: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "cooldown_tracked_keys",
			Help: "Current number of tracked cooldown entries.",
		}),
	}
}

// ResetForTesting discards the singleton and swaps in a fresh Prometheus
// registry, so repeated test runs in the same process don't collide on
// duplicate collector registration.
func ResetForTesting() {
	registry = prometheus.NewRegistry()
	instance = nil
	once = sync.Once{}
}
