// Package gatewaymetrics exposes gateway operational counters and
// gauges as Prometheus metrics, served on a dedicated listener
// independent of the WebSocket port (spec's ambient observability
// surface; the domain spec itself stays metrics-agnostic).
package gatewaymetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every Prometheus collector the gateway updates.
// All fields are safe for concurrent use, matching their underlying
// prometheus collector semantics.
type Metrics struct {
	ConnectedParticipants *prometheus.GaugeVec
	EnvelopesRouted       *prometheus.CounterVec
	CapabilityDenials     *prometheus.CounterVec
	StreamFramesForwarded *prometheus.CounterVec
	StreamFramesDropped   *prometheus.CounterVec
	ActiveStreams         *prometheus.GaugeVec
}

// New registers and returns the gateway's metric collectors against
// reg. Passing a fresh prometheus.NewRegistry() keeps gateway metrics
// isolated from the default global registry, which matters when tests
// construct multiple Metrics instances in the same process.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedParticipants: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mew_gateway", Name: "connected_participants",
			Help: "Number of currently connected participants per space.",
		}, []string{"space"}),
		EnvelopesRouted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway", Name: "envelopes_routed_total",
			Help: "Total envelopes successfully routed, by space and kind.",
		}, []string{"space", "kind"}),
		CapabilityDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway", Name: "capability_denials_total",
			Help: "Total envelopes denied by the capability matcher, by space and kind.",
		}, []string{"space", "kind"}),
		StreamFramesForwarded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway", Name: "stream_frames_forwarded_total",
			Help: "Total raw stream data frames forwarded, by space.",
		}, []string{"space"}),
		StreamFramesDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway", Name: "stream_frames_dropped_total",
			Help: "Total raw stream data frames dropped (unauthorized or misdirected), by space.",
		}, []string{"space"}),
		ActiveStreams: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mew_gateway", Name: "active_streams",
			Help: "Number of currently open streams per space.",
		}, []string{"space"}),
	}
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
