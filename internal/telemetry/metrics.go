package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"membership/internal/gossip"
	"membership/internal/member"
)

const namespace = "membership"

// Gossip receive outcomes.
const (
	GossipSame      = "same"
	GossipOlder     = "older"
	GossipNewer     = "newer"
	GossipMerged    = "merged"
	GossipDiscarded = "discarded"
)

// Heartbeat scopes.
const (
	ScopeIntraDC = "intra_dc"
	ScopeCrossDC = "cross_dc"
)

// Metrics holds the collectors of one node. A nil *Metrics is valid and
// records nothing, so components can take it unconditionally.
type Metrics struct {
	Registry *prometheus.Registry

	members       *prometheus.GaugeVec
	unreachable   prometheus.Gauge
	convergence   prometheus.Gauge
	leader        prometheus.Gauge
	gossipRecv    *prometheus.CounterVec
	gossipSent    prometheus.Counter
	heartbeats    *prometheus.CounterVec
	heartbeatRsps *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	downed        prometheus.Counter
	eventsDropped prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	buildInfo       *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		members: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "members",
				Help:      "Number of members by status in the latest gossip.",
			},
			[]string{"status"},
		),
		unreachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unreachable_members",
			Help:      "Members of the local data center observed as unreachable.",
		}),
		convergence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "convergence",
			Help:      "1 when the latest gossip has converged.",
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "1 when this node leads its data center.",
		}),
		gossipRecv: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gossip_received_total",
				Help:      "Received gossip by comparison outcome.",
			},
			[]string{"outcome"},
		),
		gossipSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_sent_total",
			Help:      "Gossip envelopes sent.",
		}),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_sent_total",
				Help:      "Heartbeats sent.",
			},
			[]string{"scope"},
		),
		heartbeatRsps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_responses_total",
				Help:      "Heartbeat responses received.",
			},
			[]string{"scope"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Outgoing or incoming messages that were lost.",
			},
			[]string{"kind"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sbr_decisions_total",
				Help:      "Split brain resolver decisions.",
			},
			[]string{"strategy"},
		),
		downed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sbr_downed_members_total",
			Help:      "Members downed by the split brain resolver.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Cluster events a slow subscriber could not accept.",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"op", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Latency of HTTP requests.",
				// 1ms .. ~4s
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"op"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build info (constant 1, labeled by version).",
			},
			[]string{"version"},
		),
	}

	startTime := time.Now()
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	m.Registry.MustRegister(
		m.members, m.unreachable, m.convergence, m.leader,
		m.gossipRecv, m.gossipSent, m.heartbeats, m.heartbeatRsps,
		m.dropped, m.decisions, m.downed, m.eventsDropped,
		m.requestsTotal, m.requestDuration, m.inFlight, m.buildInfo, uptime,
	)
	return m
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func (m *Metrics) SetBuildInfo(version string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version).Set(1)
}

// ObserveState refreshes the gauges from a published membership state.
func (m *Metrics) ObserveState(s *gossip.MembershipState) {
	if m == nil {
		return
	}
	counts := make(map[member.Status]int)
	for _, mem := range s.Members() {
		counts[mem.Status]++
	}
	for _, st := range []member.Status{member.Joining, member.WeaklyUp, member.Up, member.Leaving, member.Exiting, member.Down} {
		m.members.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	m.unreachable.Set(float64(len(s.UnreachableMembers())))
	m.convergence.Set(boolGauge(s.Convergence()))
	m.leader.Set(boolGauge(s.IsLeader(s.Self())))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// GossipReceived counts one received envelope.
func (m *Metrics) GossipReceived(outcome string) {
	if m == nil {
		return
	}
	m.gossipRecv.WithLabelValues(outcome).Inc()
}

// GossipSent counts one sent envelope.
func (m *Metrics) GossipSent() {
	if m == nil {
		return
	}
	m.gossipSent.Inc()
}

// HeartbeatSent counts one heartbeat in scope.
func (m *Metrics) HeartbeatSent(scope string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(scope).Inc()
}

// HeartbeatResponse counts one response in scope.
func (m *Metrics) HeartbeatResponse(scope string) {
	if m == nil {
		return
	}
	m.heartbeatRsps.WithLabelValues(scope).Inc()
}

// MessageDropped counts a lost message of the given kind.
func (m *Metrics) MessageDropped(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind).Inc()
}

// Decision counts one split brain resolver decision.
func (m *Metrics) Decision(strategy string, downed int) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strategy).Inc()
	m.downed.Add(float64(downed))
}

// EventsDropped is handed to event channel subscribers.
func (m *Metrics) EventsDropped() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.eventsDropped
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/cluster/state", m.Instrument("state", stateHandler))
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		m.inFlight.WithLabelValues(op).Inc()
		defer m.inFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.requestsTotal.WithLabelValues(op, class).Inc()
		m.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
