package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cowrite"

// Drop reasons for FramesDropped.
const (
	DropProtocol = "protocol"
	DropMerge    = "merge"
)

// Metrics holds the collectors of one relay instance.
type Metrics struct {
	FramesDropped     *prometheus.CounterVec
	UpdatesApplied    prometheus.Counter
	FramesBroadcast   *prometheus.CounterVec
	ConnectionsReaped prometheus.Counter
	ConnectionsKicked prometheus.Counter
	PanicsRecovered   prometheus.Counter
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	DormantSessions   prometheus.Gauge
}

// New registers the relay collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so instances never collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without closing the connection",
		}, []string{"reason"}),

		UpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Document updates that integrated new content",
		}),

		FramesBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_broadcast_total",
			Help:      "Frames fanned out to room peers",
		}, []string{"type"}),

		ConnectionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_reaped_total",
			Help:      "Connections closed by the heartbeat reaper",
		}),

		ConnectionsKicked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_kicked_total",
			Help:      "Connections closed because their send queue was full",
		}),

		PanicsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Panics recovered while handling hub events",
		}),

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open relay connections",
		}),

		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Rooms with at least one connection",
		}),

		DormantSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dormant_sessions",
			Help:      "Document sessions retained after their room emptied",
		}),
	}
}
