package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vovakirdan/voicechat/internal/proto"
)

// Drop reasons.
const (
	DropSelfEcho  = "self_echo"
	DropDecode    = "decode"
	DropAudio     = "audio"
	DropSlowPeer  = "slow_peer"
	DropRateLimit = "rate_limit"
)

// Metrics contains the Prometheus collectors for the messaging layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Channel traffic
	EnvelopesSent     *prometheus.CounterVec
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesDropped  *prometheus.CounterVec
	SendErrors        prometheus.Counter

	// Dispatch
	HandlerFailures *prometheus.CounterVec

	// Presence
	OnlineUsers prometheus.Gauge

	// Relay server
	RelayPeers  prometheus.Gauge
	RelayFrames prometheus.Counter
}

// New creates and registers all collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_envelopes_sent_total",
			Help: "Total number of envelopes posted to the channel",
		}, []string{"type"}),
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_envelopes_received_total",
			Help: "Total number of envelopes received from the channel",
		}, []string{"type"}),
		EnvelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_envelopes_dropped_total",
			Help: "Total number of envelopes or frames dropped, by reason",
		}, []string{"reason"}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_send_errors_total",
			Help: "Total number of failed channel posts",
		}),
		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_handler_failures_total",
			Help: "Total number of application handlers that failed",
		}, []string{"type"}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicechat_online_users",
			Help: "Current number of users with at least one active session",
		}),
		RelayPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicechat_relay_peers",
			Help: "Current number of relay connections",
		}),
		RelayFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_relay_frames_total",
			Help: "Total number of frames fanned out by the relay",
		}),
	}
}

func (m *Metrics) Sent(t proto.EventType) {
	if m == nil {
		return
	}
	m.EnvelopesSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Received(t proto.EventType) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EnvelopesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

func (m *Metrics) HandlerFailed(t proto.EventType) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}

func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.RelayPeers.Inc()
}

func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.RelayPeers.Dec()
}

func (m *Metrics) FrameRelayed() {
	if m == nil {
		return
	}
	m.RelayFrames.Inc()
}
