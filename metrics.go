package voice

import (
	"net/http"

	"github.com/bt-bridge/voice-client/media"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects counters for one client. Each instance owns its registry,
// so several clients or tests never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	sessionState      prometheus.Gauge
	connectAttempts   *prometheus.CounterVec
	closes            *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	reconnects        *prometheus.CounterVec

	framesCaptured  prometheus.Counter
	framesSent      prometheus.Counter
	framesDropped   *prometheus.CounterVec
	framesPlayed    prometheus.Counter
	framesDiscarded *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		sessionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "state",
			Help: "Current session state (0 disconnected, 1 connecting, 2 connected).",
		}),
		connectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "connect_attempts_total",
			Help: "Connect attempts by result.",
		}, []string{"result"}),
		closes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "closes_total",
			Help: "Transport closes by failure class.",
		}, []string{"class"}),
		envelopesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "envelopes_sent_total",
			Help: "Envelopes written to the transport by kind.",
		}, []string{"kind"}),
		envelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "envelopes_received_total",
			Help: "Envelopes read from the transport by kind.",
		}, []string{"kind"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "decode_errors_total",
			Help: "Inbound messages dropped because they could not be decoded.",
		}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "events_total",
			Help: "Reconnection supervisor events by outcome.",
		}, []string{"outcome"}),
		framesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_total",
			Help: "Audio frames pulled from the capture device.",
		}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_sent_total",
			Help: "Audio frames handed to the transport.",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_dropped_total",
			Help: "Captured frames not transmitted, by reason.",
		}, []string{"reason"}),
		framesPlayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "playback", Name: "frames_total",
			Help: "Inbound audio frames handed to the output device.",
		}),
		framesDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "playback", Name: "frames_discarded_total",
			Help: "Inbound audio frames not played, by reason.",
		}, []string{"reason"}),
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CaptureMetrics() media.CaptureMetrics {
	return media.CaptureMetrics{
		Captured:   m.framesCaptured,
		Sent:       m.framesSent,
		Gated:      m.framesDropped.WithLabelValues("gated"),
		SendFailed: m.framesDropped.WithLabelValues("send_failed"),
	}
}

func (m *Metrics) PlaybackMetrics() media.PlaybackMetrics {
	return media.PlaybackMetrics{
		Played:    m.framesPlayed,
		Deafened:  m.framesDiscarded.WithLabelValues("deafened"),
		Malformed: m.framesDiscarded.WithLabelValues("malformed"),
		SinkError: m.framesDiscarded.WithLabelValues("sink_error"),
	}
}

// The methods below accept a nil receiver so components can run without metrics.

func (m *Metrics) setState(s SessionState) {
	if m != nil {
		m.sessionState.Set(float64(s))
	}
}

func (m *Metrics) connectResult(result string) {
	if m != nil {
		m.connectAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) closed(class string) {
	if m != nil {
		m.closes.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) sent(kind EnvelopeKind) {
	if m != nil {
		m.envelopesSent.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) received(kind EnvelopeKind) {
	if m != nil {
		m.envelopesReceived.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) reconnect(outcome string) {
	if m != nil {
		m.reconnects.WithLabelValues(outcome).Inc()
	}
}
