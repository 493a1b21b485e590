package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Presence metrics
	PeersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_peers_online",
			Help: "Number of peers currently online (last_seen within HEARTBEAT_TTL)",
		},
	)

	PeersEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_peers_evicted_total",
			Help: "Total peers removed by the janitor, by reason",
		},
		[]string{"reason"}, // dead_pid, ttl_expired
	)

	IdentityClaimContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_identity_claim_retries_total",
			Help: "Total retries caused by concurrent identity claims",
		},
	)

	// Message metrics
	MessagesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_messages_by_state",
			Help: "Number of messages by state",
		},
		[]string{"state"}, // queued, inflight
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Total messages committed by send(), by outcome",
		},
		[]string{"outcome"}, // sent, partial, timeout, error
	)

	MessagesDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Total messages successfully ACKed by a receiver",
		},
	)

	MessagesTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_truncated_total",
			Help: "Total messages dropped by the janitor for exceeding MSG_TTL",
		},
	)

	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_leases_reclaimed_total",
			Help: "Total inflight messages returned to queued after lease expiry",
		},
	)

	// Heartbeat / reconciler metrics
	HeartbeatTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_heartbeat_tick_duration_seconds",
			Help:    "Time taken for one heartbeat/janitor tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_reconciliation_duration_seconds",
			Help:    "Time taken for one leader reconciliation cycle (sharded realization)",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconciliation_cycles_total",
			Help: "Total reconciliation cycles completed by the leader",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_is_leader",
			Help: "Whether this process is the sharded realization's leader (1 = leader)",
		},
	)

	// Store metrics
	StoreBusyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_store_busy_total",
			Help: "Total transactions that exhausted the busy timeout",
		},
	)

	StoreTxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_tx_duration_seconds",
			Help:    "Store transaction duration by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		PeersOnline,
		PeersEvictedTotal,
		IdentityClaimContention,
		MessagesByState,
		MessagesSentTotal,
		MessagesDeliveredTotal,
		MessagesTruncatedTotal,
		LeasesReclaimedTotal,
		HeartbeatTickDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		IsLeader,
		StoreBusyTotal,
		StoreTxDuration,
	)
}

// Handler returns the Prometheus HTTP handler, for any embedder that
// wants to scrape relay's metrics from its own server; relay itself
// never listens on a socket.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
