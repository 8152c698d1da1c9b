package p2pchat

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the parley Prometheus collectors on an isolated registry,
// so each node (and each test) gets its own set.
type Metrics struct {
	Registry *prometheus.Registry

	// Room pub/sub
	MessagesPublishedTotal *prometheus.CounterVec
	MessagesReceivedTotal  prometheus.Counter
	MessagesDedupedTotal   prometheus.Counter
	MessagesRejectedTotal  *prometheus.CounterVec
	RoomJoinsTotal         prometheus.Counter
	RoomMembers            prometheus.Gauge

	// Connections
	DialTotal           *prometheus.CounterVec
	DialDurationSeconds *prometheus.HistogramVec
	ConnectedPeers      prometheus.Gauge
	ConnectionsDenied   *prometheus.CounterVec

	// Discovery
	MDNSDiscoveredTotal    *prometheus.CounterVec
	DHTProvidersFoundTotal prometheus.Counter

	// Event bridge
	EventsDroppedTotal *prometheus.CounterVec

	// Daemon API
	DaemonRequestsTotal          *prometheus.CounterVec
	DaemonRequestDurationSeconds *prometheus.HistogramVec

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered.
// version and goVersion are recorded as labels on parley_info.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		MessagesPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_messages_published_total",
				Help: "Total room messages published, by result.",
			},
			[]string{"result"},
		),
		MessagesReceivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_messages_received_total",
				Help: "Total remote room messages delivered to subscribers.",
			},
		),
		MessagesDedupedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_messages_deduplicated_total",
				Help: "Total remote messages suppressed by the dedup window.",
			},
		),
		MessagesRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_messages_rejected_total",
				Help: "Total inbound messages rejected by the topic validator.",
			},
			[]string{"reason"},
		),
		RoomJoinsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_room_joins_total",
				Help: "Total successful room joins.",
			},
		),
		RoomMembers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_room_members",
				Help: "Number of remote peers subscribed to the current room.",
			},
		),

		DialTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_dial_total",
				Help: "Total outbound dial attempts, by result.",
			},
			[]string{"result"},
		),
		DialDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_dial_duration_seconds",
				Help:    "Duration of outbound dial attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"result"},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_connected_peers",
				Help: "Number of currently connected peers.",
			},
		),

		ConnectionsDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_connections_denied_total",
				Help: "Total connections refused by the blocklist, by direction.",
			},
			[]string{"direction"},
		),

		MDNSDiscoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_mdns_discovered_total",
				Help: "Total mDNS discovery events by result.",
			},
			[]string{"result"},
		),
		DHTProvidersFoundTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_dht_providers_found_total",
				Help: "Total room providers returned by DHT lookups.",
			},
		),

		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_dropped_total",
				Help: "Total events dropped for slow subscribers, by event type.",
			},
			[]string{"type"},
		),

		DaemonRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_daemon_requests_total",
				Help: "Total daemon API requests.",
			},
			[]string{"method", "path", "status"},
		),
		DaemonRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_daemon_request_duration_seconds",
				Help:    "Duration of daemon API requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_info",
				Help: "Build information for the running parley instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.MessagesPublishedTotal,
		m.MessagesReceivedTotal,
		m.MessagesDedupedTotal,
		m.MessagesRejectedTotal,
		m.RoomJoinsTotal,
		m.RoomMembers,
		m.DialTotal,
		m.DialDurationSeconds,
		m.ConnectedPeers,
		m.ConnectionsDenied,
		m.MDNSDiscoveredTotal,
		m.DHTProvidersFoundTotal,
		m.EventsDroppedTotal,
		m.DaemonRequestsTotal,
		m.DaemonRequestDurationSeconds,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
