package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	malformedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sotto",
			Subsystem: "protocol",
			Name:      "malformed_packets_total",
			Help:      "Malformed wire chunks by channel.",
		},
		[]string{"transport", "channel"},
	)
	chunksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sotto",
			Subsystem: "transport",
			Name:      "chunks_sent_total",
			Help:      "Chunks written to the wire.",
		},
		[]string{"transport", "channel"},
	)
	chunksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sotto",
			Subsystem: "transport",
			Name:      "chunks_received_total",
			Help:      "Chunks read from the wire.",
		},
		[]string{"transport", "channel"},
	)
	transportAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sotto",
			Subsystem: "transport",
			Name:      "anomalies_total",
			Help:      "Non-fatal transport anomalies.",
		},
		[]string{"transport", "reason"},
	)
	liveRemotes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sotto",
			Subsystem: "transport",
			Name:      "remotes",
			Help:      "Remotes currently tracked.",
		},
		[]string{"transport"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sotto",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status-surface HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sotto",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status-surface HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			malformedPackets,
			chunksSent,
			chunksReceived,
			transportAnomalies,
			liveRemotes,
			httpRequests,
			httpDuration,
		)
	})
}

// RecordMalformedPacket counts one undecodable chunk. Fire-and-forget: the
// diagnostics surface never blocks or fails the transport path.
func RecordMalformedPacket(transport, channel string) {
	RegisterMetrics()
	malformedPackets.WithLabelValues(transport, channel).Inc()
}

func RecordChunksSent(transport, channel string, n int) {
	RegisterMetrics()
	chunksSent.WithLabelValues(transport, channel).Add(float64(n))
}

func RecordChunkReceived(transport, channel string) {
	RegisterMetrics()
	chunksReceived.WithLabelValues(transport, channel).Inc()
}

// RecordAnomaly counts a non-fatal oddity such as a duplicate-path remote or
// an operation addressed to an unknown remote id.
func RecordAnomaly(transport, reason string) {
	RegisterMetrics()
	transportAnomalies.WithLabelValues(transport, reason).Inc()
}

func SetLiveRemotes(transport string, n int) {
	RegisterMetrics()
	liveRemotes.WithLabelValues(transport).Set(float64(n))
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
