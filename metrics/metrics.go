package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clementine"

const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	TranscriptionsTotal *prometheus.CounterVec
	ProcessingSeconds   *prometheus.HistogramVec
	AudioSeconds        *prometheus.HistogramVec
	TunnelConnections   prometheus.Gauge
}

// New registers all collectors on a fresh registry, along with the go and
// process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TranscriptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Transcriptions attempted, by asr backend and final status.",
		}, []string{"backend", "status"}),
		ProcessingSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_seconds",
			Help:      "Wall time from probing the upload to receiving the transcript.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"backend"}),
		AudioSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_seconds",
			Help:      "Duration of successfully transcribed audio.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}, []string{"backend"}),
		TunnelConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_connections",
			Help:      "Open connections to the tunnel server.",
		}),
	}
}

func (m *Metrics) ObserveTranscription(backend, status string, processingSeconds, audioSeconds float64) {
	m.TranscriptionsTotal.WithLabelValues(backend, status).Inc()
	if status != StatusDone {
		return
	}
	m.ProcessingSeconds.WithLabelValues(backend).Observe(processingSeconds)
	m.AudioSeconds.WithLabelValues(backend).Observe(audioSeconds)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
