// Package metrics exposes Prometheus metrics for the resolver. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes used as the "result" label.
const (
	ResultSuccess = "success"
	ResultTimeout = "timeout"
	ResultInvalid = "invalid"
	ResultCancel  = "cancelled"
)

// Recorder holds the resolver metrics.
type Recorder struct {
	verified     prometheus.Counter
	stale        prometheus.Counter
	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	inflight     prometheus.Gauge
	pending      prometheus.Gauge
	blocked      prometheus.Counter
	equivocated  prometheus.Counter
	tipHeight    *prometheus.GaugeVec
	mailbox      prometheus.Gauge
	peers        prometheus.Gauge
}

// NewRecorder registers the metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		verified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obcast_chunks_verified_total",
			Help: "Chunks verified and applied to a tip",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obcast_chunks_stale_total",
			Help: "Fetched chunks discarded because the tip had already passed them",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obcast_fetch_requests_total",
			Help: "Completed fetch requests grouped by result",
		}, []string{"result"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "obcast_fetch_duration_seconds",
			Help:    "Round trip of fetch requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obcast_fetch_inflight",
			Help: "Fetch requests currently in flight",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obcast_fetch_pending_batches",
			Help: "Height batches queued but not yet dispatched",
		}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obcast_peers_blocked_total",
			Help: "Peers blocked for serving invalid chunks",
		}),
		equivocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obcast_equivocations_total",
			Help: "Conflicting tips reported for the same sequencer and height",
		}),
		tipHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "obcast_tip_height",
			Help: "Height of the verified tip per sequencer",
		}, []string{"sequencer"}),
		mailbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obcast_mailbox_depth",
			Help: "Messages waiting in the resolver mailbox",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obcast_fetch_peers",
			Help: "Peers eligible to serve fetches",
		}),
	}

	reg.MustRegister(
		r.verified,
		r.stale,
		r.fetches,
		r.fetchLatency,
		r.inflight,
		r.pending,
		r.blocked,
		r.equivocated,
		r.tipHeight,
		r.mailbox,
		r.peers,
	)
	return r
}

// Handler returns an HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveVerified counts one applied chunk and records the new tip height.
func (r *Recorder) ObserveVerified(sequencer string, height uint64) {
	if r == nil {
		return
	}
	r.verified.Inc()
	r.tipHeight.WithLabelValues(sequencer).Set(float64(height))
}

// ObserveStale counts discarded chunks.
func (r *Recorder) ObserveStale(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.stale.Add(float64(n))
}

// ObserveFetch records a completed fetch.
func (r *Recorder) ObserveFetch(result string, d time.Duration) {
	if r == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	r.fetches.WithLabelValues(result).Inc()
	r.fetchLatency.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveBlocked counts a blocked peer.
func (r *Recorder) ObserveBlocked() {
	if r == nil {
		return
	}
	r.blocked.Inc()
}

// ObserveEquivocation counts a reported equivocation.
func (r *Recorder) ObserveEquivocation() {
	if r == nil {
		return
	}
	r.equivocated.Inc()
}

// SetInflight records the number of fetches in flight.
func (r *Recorder) SetInflight(n int) {
	if r == nil {
		return
	}
	r.inflight.Set(float64(n))
}

// SetPending records the number of queued batches.
func (r *Recorder) SetPending(n int) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

// SetMailboxDepth records the resolver mailbox backlog.
func (r *Recorder) SetMailboxDepth(n int) {
	if r == nil {
		return
	}
	r.mailbox.Set(float64(n))
}

// SetPeers records the number of eligible fetch peers.
func (r *Recorder) SetPeers(n int) {
	if r == nil {
		return
	}
	r.peers.Set(float64(n))
}
