package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes for the routing counter.
const (
	OutcomeLocal     = "local"
	OutcomeForwarded = "forwarded"
	OutcomeNotFound  = "not_found"
)

// Drop reasons for the dropped-frame counter.
const (
	DropMalformed   = "malformed"
	DropBadSig      = "bad_signature"
	DropDuplicate   = "duplicate"
	DropUnexpected  = "unexpected"
	DropHopLimit    = "hop_limit"
	DropVersionGate = "version_gate"
)

// Metrics tracks router and federation activity
type Metrics struct {
	// Traffic
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	SendFailures   prometheus.Counter

	// Routing
	Deliveries *prometheus.CounterVec

	// Gossip
	GossipRelayed    prometheus.Counter
	GossipDuplicates prometheus.Counter

	// Federation health
	ServersLinked   prometheus.Gauge
	HeartbeatsSent  prometheus.Counter
	ServerEvictions prometheus.Counter
	LastHealthCheck prometheus.Gauge

	// Presence
	LocalUsers prometheus.Gauge
	KnownUsers prometheus.Gauge
}

// New creates and registers the metrics on registry. A nil registry gets a
// private one so callers in tests do not collide on the default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socp_frames_received_total",
			Help: "Inbound envelopes by type and connection role",
		}, []string{"type", "role"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socp_frames_dropped_total",
			Help: "Inbound envelopes dropped without effect",
		}, []string{"reason"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "socp_send_failures_total",
			Help: "Outbound frames that could not be enqueued",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "socp_deliveries_total",
			Help: "Routing decisions by outcome",
		}, []string{"outcome"}),
		GossipRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "socp_gossip_relayed_total",
			Help: "Gossip envelopes sent to peers",
		}),
		GossipDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "socp_gossip_duplicates_total",
			Help: "Gossip envelopes suppressed by the seen set",
		}),
		ServersLinked: f.NewGauge(prometheus.GaugeOpts{
			Name: "socp_servers_linked",
			Help: "Number of linked federation peers",
		}),
		HeartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "socp_heartbeats_sent_total",
			Help: "Heartbeats sent to peers",
		}),
		ServerEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "socp_server_evictions_total",
			Help: "Peers evicted for missing heartbeats",
		}),
		LastHealthCheck: f.NewGauge(prometheus.GaugeOpts{
			Name: "socp_last_health_check_timestamp_seconds",
			Help: "Unix time of the last liveness sweep",
		}),
		LocalUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "socp_local_users",
			Help: "Users attached to this node",
		}),
		KnownUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "socp_known_users",
			Help: "Users with a known location in the federation",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
