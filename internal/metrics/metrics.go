// Package metrics exposes realtime client and server state as Prometheus
// collectors.
package metrics

import (
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/realtime"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quill"

var statuses = []domain.Status{
	domain.StatusDisconnected,
	domain.StatusConnecting,
	domain.StatusConnected,
}

// Client records connection manager activity. It implements
// realtime.Observer.
type Client struct {
	status            *prometheus.GaugeVec
	connectErrors     prometheus.Counter
	disconnects       *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	reconnectFailures *prometheus.CounterVec
	events            *prometheus.CounterVec
	droppedEmits      *prometheus.CounterVec
}

var _ realtime.Observer = (*Client)(nil)

// NewClient creates client collectors and registers them on reg
func NewClient(reg prometheus.Registerer) *Client {
	c := &Client{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise.",
		}, []string{"status"}),
		connectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connect_errors_total",
			Help:      "Failed connection attempts.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "disconnects_total",
			Help:      "Disconnects by reason.",
		}, []string{"reason"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by tier.",
		}, []string{"tier"}),
		reconnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_failures_total",
			Help:      "Exhausted reconnect sequences by tier.",
		}, []string{"tier"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_received_total",
			Help:      "Inbound events by name.",
		}, []string{"event"}),
		droppedEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "emits_dropped_total",
			Help:      "Outbound events dropped while disconnected.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		c.status,
		c.connectErrors,
		c.disconnects,
		c.reconnectAttempts,
		c.reconnectFailures,
		c.events,
		c.droppedEmits,
	)
	c.StatusChanged(domain.StatusDisconnected)

	return c
}

// StatusChanged implements realtime.Observer
func (c *Client) StatusChanged(status domain.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.status.WithLabelValues(string(s)).Set(v)
	}
}

// ConnectError implements realtime.Observer
func (c *Client) ConnectError(error) {
	c.connectErrors.Inc()
}

// Disconnected implements realtime.Observer
func (c *Client) Disconnected(reason string) {
	c.disconnects.WithLabelValues(reason).Inc()
}

// ReconnectAttempt implements realtime.Observer
func (c *Client) ReconnectAttempt(tier string, _ int) {
	c.reconnectAttempts.WithLabelValues(tier).Inc()
}

// ReconnectFailed implements realtime.Observer
func (c *Client) ReconnectFailed(tier string) {
	c.reconnectFailures.WithLabelValues(tier).Inc()
}

// EventReceived implements realtime.Observer
func (c *Client) EventReceived(name domain.EventName) {
	c.events.WithLabelValues(string(name)).Inc()
}

// EmitDropped implements realtime.Observer
func (c *Client) EmitDropped(name domain.EventName) {
	c.droppedEmits.WithLabelValues(string(name)).Inc()
}

// Server records dev server activity
type Server struct {
	connections *prometheus.GaugeVec
	frames      *prometheus.CounterVec
	published   prometheus.Counter
	kicks       prometheus.Counter
}

// NewServer creates server collectors and registers them on reg
func NewServer(reg prometheus.Registerer) *Server {
	s := &Server{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open sessions by transport.",
		}, []string{"transport"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "frames_total",
			Help:      "Frames by direction and event.",
		}, []string{"direction", "event"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "published_total",
			Help:      "Events injected through the publish endpoint.",
		}),
		kicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "kicks_total",
			Help:      "Sessions closed by the server.",
		}),
	}

	reg.MustRegister(s.connections, s.frames, s.published, s.kicks)

	return s
}

// SessionOpened increments the open session gauge
func (s *Server) SessionOpened(transport string) {
	s.connections.WithLabelValues(transport).Inc()
}

// SessionClosed decrements the open session gauge
func (s *Server) SessionClosed(transport string) {
	s.connections.WithLabelValues(transport).Dec()
}

// FrameIn counts a frame read from a client
func (s *Server) FrameIn(event domain.EventName) {
	s.frames.WithLabelValues("in", string(event)).Inc()
}

// FrameOut counts a frame queued for a client
func (s *Server) FrameOut(event domain.EventName) {
	s.frames.WithLabelValues("out", string(event)).Inc()
}

// Published counts an injected event
func (s *Server) Published() {
	s.published.Inc()
}

// Kicked counts a server-forced disconnect
func (s *Server) Kicked() {
	s.kicks.Inc()
}
