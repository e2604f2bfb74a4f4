// Package metrics holds the service's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built in
// tests without wiring a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aero_mesh"

// Reasons used as label values.
const (
	ReasonDuplicateIdentity = "duplicate_identity"
	ReasonInvalidIdentity   = "invalid_identity"
	ReasonUnavailable       = "unavailable"
	ReasonTooManyPeers      = "too_many_peers"
	ReasonUnresolved        = "unresolved"
	ReasonStaleConnection   = "stale_connection"
	ReasonQueueFull         = "queue_full"
	ReasonRateLimited       = "rate_limited"
	ReasonBadMessage        = "bad_message"

	PathLocal  = "local"
	PathFabric = "fabric"
)

type Metrics struct {
	reg *prometheus.Registry

	joins            *prometheus.CounterVec
	joinRejections   *prometheus.CounterVec
	leaves           prometheus.Counter
	signalsRelayed   *prometheus.CounterVec
	signalsDropped   *prometheus.CounterVec
	introductionSize prometheus.Histogram
	connections      prometheus.Gauge
	localPeers       prometheus.Gauge
	fabricEvents     *prometheus.CounterVec
	fabricErrors     *prometheus.CounterVec
	protocolErrors   *prometheus.CounterVec
}

// New registers collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Successful joins by overlay mode.",
		}, []string{"mode"}),
		joinRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_rejections_total",
			Help:      "Rejected joins by reason.",
		}, []string{"reason"}),
		leaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaves_total",
			Help:      "Identities removed on disconnect.",
		}),
		signalsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_relayed_total",
			Help:      "Signals handed to a recipient connection or to the fabric.",
		}, []string{"path"}),
		signalsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "Signals dropped before reaching the recipient.",
		}, []string{"reason"}),
		introductionSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "introduction_size",
			Help:      "Number of existing peers a newcomer is introduced to.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89},
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open signaling connections on this process.",
		}),
		localPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_peers",
			Help:      "Joined identities held by this process.",
		}),
		fabricEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fabric_events_total",
			Help:      "Fabric events received by kind.",
		}, []string{"kind"}),
		fabricErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fabric_errors_total",
			Help:      "Failed fabric operations.",
		}, []string{"op"}),
		protocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Error frames sent to clients by code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) Joined(mode string, introduced int) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(mode).Inc()
	m.introductionSize.Observe(float64(introduced))
}

func (m *Metrics) JoinRejected(reason string) {
	if m == nil {
		return
	}
	m.joinRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Left() {
	if m == nil {
		return
	}
	m.leaves.Inc()
}

func (m *Metrics) SignalRelayed(path string) {
	if m == nil {
		return
	}
	m.signalsRelayed.WithLabelValues(path).Inc()
}

func (m *Metrics) SignalDropped(reason string) {
	if m == nil {
		return
	}
	m.signalsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetLocalPeers(n int) {
	if m == nil {
		return
	}
	m.localPeers.Set(float64(n))
}

func (m *Metrics) FabricEvent(kind string) {
	if m == nil {
		return
	}
	m.fabricEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) FabricError(op string) {
	if m == nil {
		return
	}
	m.fabricErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ProtocolError(code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code).Inc()
}

// Registry exposes the underlying registry so other components (e.g. raft)
// can register their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
