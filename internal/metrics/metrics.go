package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Event names. Each is a label value of aero_chat_relay_events_total.
const (
	ChannelOpened        = "channel_opened"
	ChannelClosed        = "channel_closed"
	ChannelAuthenticated = "channel_authenticated"
	ChannelSuperseded    = "channel_superseded"
	AuthFailure          = "auth_failure"
	AuthTimeout          = "auth_timeout"
	BadMessage           = "bad_message"
	RateLimited          = "rate_limited"
	SendQueueFull        = "send_queue_full"

	MessageSent         = "message_sent"
	MessageDelivered    = "message_delivered"
	MessageUndelivered  = "message_undelivered"
	MessageUnauthorized = "message_unauthorized"
	MessageStoreFailure = "message_store_failure"
	TypingForwarded     = "typing_forwarded"
	TypingDropped       = "typing_dropped"

	CallOffered    = "call_offered"
	CallAnswered   = "call_answered"
	CallCandidate  = "call_candidate"
	CallEnded      = "call_ended"
	CallTimedOut   = "call_timed_out"
	CallRejected   = "call_rejected"
	CallPeerGone   = "call_peer_gone"
	CallSuperseded = "call_superseded"

	PresenceOnline  = "presence_online"
	PresenceOffline = "presence_offline"

	AttachmentStored = "attachment_stored"
)

// Metrics wraps a private Prometheus registry so each server (and each test)
// gets isolated counters.
type Metrics struct {
	reg       *prometheus.Registry
	events    *prometheus.CounterVec
	connected prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_chat_relay_events_total",
			Help: "Internal event counters.",
		}, []string{"event"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aero_chat_relay_connected_identities",
			Help: "Identities with a registered live channel.",
		}),
	}
	m.reg.MustRegister(m.events, m.connected)
	return m
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	return uint64(testutil.ToFloat64(m.events.WithLabelValues(name)))
}

// SetConnected records the current Connection Registry size.
func (m *Metrics) SetConnected(n int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
