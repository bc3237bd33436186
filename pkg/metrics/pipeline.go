package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittobackup/pkg/pipeline"
	"github.com/marmos91/dittobackup/pkg/remote"
)

// pipelineMetrics is the Prometheus implementation of pipeline.Metrics.
//
// Collected:
//   - Chunk uploads by outcome (uploaded, reused, error)
//   - Upload latency
//   - Bytes written by the hypervisor, reused, and sent after compression
//   - Outstanding uploads and time spent waiting for an upload slot
type pipelineMetrics struct {
	uploadsTotal   *prometheus.CounterVec
	uploadDuration prometheus.Histogram
	bytesTotal     *prometheus.CounterVec
	inFlight       prometheus.Gauge
	slotWait       prometheus.Histogram
}

// NewPipelineMetrics creates a Prometheus-backed pipeline.Metrics.
//
// Returns nil if metrics are not enabled, which selects the pipeline's
// no-op implementation.
func NewPipelineMetrics() pipeline.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newPipelineMetrics(Registerer())
}

func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	return &pipelineMetrics{
		uploadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobackup_chunk_uploads_total",
				Help: "Total number of chunk uploads by outcome",
			},
			[]string{"outcome"}, // uploaded, reused, error
		),
		uploadDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "dittobackup_chunk_upload_duration_seconds",
				Help: "Duration of chunk uploads in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
					10.0,  // 10s
				},
			},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobackup_chunk_bytes_total",
				Help: "Chunk bytes by kind: written by the client, reused by deduplication, transferred after encoding",
			},
			[]string{"kind"},
		),
		inFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittobackup_chunk_uploads_in_flight",
				Help: "Number of chunk uploads holding a pipeline slot",
			},
		),
		slotWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dittobackup_pipeline_slot_wait_seconds",
				Help:    "Time writes spent waiting for an upload slot",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs .. ~26s
			},
		),
	}
}

// ObserveUpload implements pipeline.Metrics.
func (m *pipelineMetrics) ObserveUpload(bytes int, result remote.ChunkResult, duration time.Duration, err error) {
	m.uploadDuration.Observe(duration.Seconds())

	switch {
	case err != nil:
		m.uploadsTotal.WithLabelValues("error").Inc()
		return
	case result.Reused:
		m.uploadsTotal.WithLabelValues("reused").Inc()
		m.bytesTotal.WithLabelValues("reused").Add(float64(bytes))
	default:
		m.uploadsTotal.WithLabelValues("uploaded").Inc()
	}

	m.bytesTotal.WithLabelValues("written").Add(float64(bytes))
	m.bytesTotal.WithLabelValues("transferred").Add(float64(result.Transferred))
}

// RecordInFlight implements pipeline.Metrics.
func (m *pipelineMetrics) RecordInFlight(n int64) {
	m.inFlight.Set(float64(n))
}

// ObserveSlotWait implements pipeline.Metrics.
func (m *pipelineMetrics) ObserveSlotWait(duration time.Duration) {
	m.slotWait.Observe(duration.Seconds())
}
