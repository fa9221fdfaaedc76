package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections     prometheus.Gauge
	frames          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	pruned          prometheus.Counter
	storageRetries  prometheus.Counter
	storageFailures prometheus.Counter
	rejected        *prometheus.CounterVec
	throttled       *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "texter",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently registered websocket connections.",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "texter",
			Subsystem: "ws",
			Name:      "frames_total",
			Help:      "Inbound frames by parsed kind.",
		}, []string{"kind"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "texter",
			Subsystem: "ws",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries by frame kind and result.",
		}, []string{"kind", "result"}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "texter",
			Subsystem: "presence",
			Name:      "pruned_total",
			Help:      "Registry entries removed after a failed broadcast delivery.",
		}),
		storageRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "texter",
			Subsystem: "store",
			Name:      "append_retries_total",
			Help:      "Retried message appends after transient storage errors.",
		}),
		storageFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "texter",
			Subsystem: "store",
			Name:      "append_failures_total",
			Help:      "Message appends that failed permanently.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "texter",
			Subsystem: "ws",
			Name:      "handshake_rejections_total",
			Help:      "Upgrade requests refused before the handshake, by reason.",
		}, []string{"reason"}),
		throttled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "texter",
			Subsystem: "ws",
			Name:      "throttled_frames_total",
			Help:      "Inbound frames dropped for exceeding the sender's budget.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) frame(kind string) {
	if m != nil {
		m.frames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) delivery(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "dropped"
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) prunedN(n int) {
	if m != nil && n > 0 {
		m.pruned.Add(float64(n))
	}
}

func (m *Metrics) storageRetry() {
	if m != nil {
		m.storageRetries.Inc()
	}
}

func (m *Metrics) storageFailure() {
	if m != nil {
		m.storageFailures.Inc()
	}
}

func (m *Metrics) handshakeRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) throttledFrame(kind string) {
	if m != nil {
		m.throttled.WithLabelValues(kind).Inc()
	}
}
