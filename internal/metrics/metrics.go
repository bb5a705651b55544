// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "broadcaster"

var (
	once sync.Once

	// Connections is the number of open websocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Open websocket connections",
	})

	// Subscriptions is the number of (topic, connection) memberships.
	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "subscriptions",
		Help:      "Active topic memberships",
	})

	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "broadcasts_total",
		Help:      "Snapshots fanned out to subscribers",
	})

	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "frames_sent_total",
		Help:      "Binary frames written to subscribers",
	})

	SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "send_errors_total",
		Help:      "Failed writes to subscribers",
	})

	EncodingErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "encoding_errors_total",
		Help:      "Snapshots skipped because compression failed",
	})

	// ProtocolIgnored counts client text messages that were not a valid command.
	ProtocolIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "protocol_ignored_total",
		Help:      "Client messages ignored as unknown or malformed",
	})

	FetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "fetch_errors_total",
		Help:      "Failed upstream snapshot fetches",
	}, []string{"topic"})

	SnapshotsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "snapshots_enqueued_total",
		Help:      "Snapshots handed to the queue",
	}, []string{"topic"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Snapshots waiting for the drain loop",
	})

	WatchedTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "watched_topics",
		Help:      "Topics with a running poller",
	})

	// DeliveryLatency measures time from snapshot production to fan-out completion.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "delivery_latency_seconds",
		Help:      "Latency from snapshot production to broadcast (seconds)",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	FetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "fetch_latency_seconds",
		Help:      "Upstream snapshot fetch duration (seconds)",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register registers every collector once. With no argument the
// DefaultRegisterer is used.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			Connections,
			Subscriptions,
			BroadcastsTotal,
			FramesSent,
			SendErrors,
			EncodingErrors,
			ProtocolIgnored,
			FetchErrors,
			SnapshotsEnqueued,
			QueueDepth,
			WatchedTopics,
			DeliveryLatency,
			FetchLatency,
		)
	})
}
