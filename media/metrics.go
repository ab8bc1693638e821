package media

import "github.com/prometheus/client_golang/prometheus"

// CaptureMetrics may leave any counter nil.
type CaptureMetrics struct {
	Captured   prometheus.Counter
	Sent       prometheus.Counter
	Gated      prometheus.Counter
	SendFailed prometheus.Counter
}

// PlaybackMetrics may leave any counter nil.
type PlaybackMetrics struct {
	Played    prometheus.Counter
	Deafened  prometheus.Counter
	Malformed prometheus.Counter
	SinkError prometheus.Counter
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
