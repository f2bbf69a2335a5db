// Package metrics exposes connection lifecycle counters for the display client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups the display client's metrics. A nil *Collector is a no-op.
type Collector struct {
	ConnectionState   prometheus.Gauge
	Connections       prometheus.Counter
	Disconnects       *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	MessagesAcked     prometheus.Counter
	Resyncs           prometheus.Counter
	Rotations         *prometheus.CounterVec
	EventsReceived    *prometheus.CounterVec
}

// New creates the collector and registers it on reg (nil uses the default registerer).
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osd_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 awaiting authentication, 3 authenticated, 4 reconnecting).",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "osd_connections_total",
			Help: "Authenticated connections established.",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osd_disconnects_total",
			Help: "Socket disconnects by reason.",
		}, []string{"reason"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "osd_reconnect_attempts_total",
			Help: "Automatic reconnect attempts scheduled.",
		}),
		MessagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "osd_messages_acked_total",
			Help: "message_ack frames sent.",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "osd_resyncs_total",
			Help: "Full data refreshes requested from the consumer.",
		}),
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osd_rotations_total",
			Help: "In-place credential rotations by result.",
		}, []string{"result"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osd_events_received_total",
			Help: "Inbound socket events by name.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		c.ConnectionState,
		c.Connections,
		c.Disconnects,
		c.ReconnectAttempts,
		c.MessagesAcked,
		c.Resyncs,
		c.Rotations,
		c.EventsReceived,
	)
	return c
}

func (c *Collector) SetState(state int) {
	if c != nil {
		c.ConnectionState.Set(float64(state))
	}
}

func (c *Collector) Connected() {
	if c != nil {
		c.Connections.Inc()
	}
}

func (c *Collector) Disconnected(reason string) {
	if c != nil {
		c.Disconnects.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) ReconnectScheduled() {
	if c != nil {
		c.ReconnectAttempts.Inc()
	}
}

func (c *Collector) Acked() {
	if c != nil {
		c.MessagesAcked.Inc()
	}
}

func (c *Collector) Resynced() {
	if c != nil {
		c.Resyncs.Inc()
	}
}

func (c *Collector) Rotation(result string) {
	if c != nil {
		c.Rotations.WithLabelValues(result).Inc()
	}
}

func (c *Collector) Event(name string) {
	if c != nil {
		c.EventsReceived.WithLabelValues(name).Inc()
	}
}
