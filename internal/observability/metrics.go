package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stages recorded in the rolling latency window.
const (
	StageModelConnect = "model_connect"
	StageFirstAudio   = "first_audio"
	StageTurnTotal    = "turn_total"
)

// Counted turn events.
const (
	EventBargeIn          = "barge_in"
	EventModelInterrupted = "model_interrupted"
)

// Metrics groups all Prometheus instruments used by the service. Each instance
// owns its registry so several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry
	latency  *latencyWindow

	ActiveSessions    prometheus.Gauge
	ActiveBridges     prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	DiscardedMessages prometheus.Counter
	ProviderErrors    *prometheus.CounterVec
	CaptionDrops      prometheus.Counter
	FirstAudioLatency prometheus.Histogram
	ConnectLatency    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		latency:  newLatencyWindow(256),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of issued sessions still within their TTL.",
		}),
		ActiveBridges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_bridges",
			Help:      "Number of client connections currently bridged to the model.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DiscardedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_client_messages_total",
			Help:      "Malformed or unrecognized client envelopes that were dropped.",
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		CaptionDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "caption_drops_total",
			Help:      "Captions dropped because the recorder queue was full.",
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from the first client audio of a turn to the first model audio in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_connect_latency_ms",
			Help:      "Time to establish the model connection in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.latency.observe(StageFirstAudio, d)
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
	m.latency.observe(StageModelConnect, d)
}

// ObserveStage records d for stage in the rolling window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.observe(stage, d)
}

func (m *Metrics) CountEvent(name string) {
	if m == nil {
		return
	}
	m.latency.count(name)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}}
	}
	return m.latency.snapshot()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.latency.reset()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
