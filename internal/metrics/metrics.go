// Package metrics exposes chunk loop and job telemetry as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
)

// Collectors implements orchestrator.Observer and jobs.Observer.
type Collectors struct {
	gatherer prometheus.Gatherer

	generationAttempts *prometheus.CounterVec
	extractionFailures prometheus.Counter
	chunksCommitted    prometheus.Counter
	chunkWords         prometheus.Histogram
	chunkDuration      prometheus.Histogram
	chunkWarnings      prometheus.Counter
	sessionsFinished   *prometheus.CounterVec
	jobsActive         prometheus.Gauge
	jobsFinished       *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collectors{
		gatherer: reg,
		generationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkforge_generation_attempts_total",
			Help: "Generation attempts by result",
		}, []string{"result"}),
		extractionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_extraction_failures_total",
			Help: "Chunks whose extraction failed or was unparseable",
		}),
		chunksCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_chunks_committed_total",
			Help: "Chunks applied and checkpointed",
		}),
		chunkWords: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkforge_chunk_words",
			Help:    "Words per committed chunk",
			Buckets: prometheus.ExponentialBuckets(50, 2, 8), // 50 to 6400
		}),
		chunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkforge_chunk_duration_seconds",
			Help:    "Wall time from prompt to checkpoint",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		chunkWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_chunk_warnings_total",
			Help: "Non-fatal warnings recorded on checkpoints",
		}),
		sessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkforge_sessions_finished_total",
			Help: "Sessions by terminal status",
		}, []string{"status"}),
		jobsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkforge_jobs_active",
			Help: "Jobs currently holding a concurrency slot",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkforge_jobs_finished_total",
			Help: "Jobs by terminal status",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collectors) GenerationAttempt(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.generationAttempts.WithLabelValues(result).Inc()
}

func (c *Collectors) ExtractionFailed() {
	c.extractionFailures.Inc()
}

func (c *Collectors) ChunkCommitted(words int, elapsed time.Duration, warnings int) {
	c.chunksCommitted.Inc()
	c.chunkWords.Observe(float64(words))
	c.chunkDuration.Observe(elapsed.Seconds())
	c.chunkWarnings.Add(float64(warnings))
}

func (c *Collectors) SessionFinished(status orchestrator.Status) {
	c.sessionsFinished.WithLabelValues(string(status)).Inc()
}

func (c *Collectors) JobStarted() {
	c.jobsActive.Inc()
}

// JobFinished counts the job; ran is false for jobs cancelled while queued,
// which never took a slot.
func (c *Collectors) JobFinished(status orchestrator.Status, ran bool) {
	if ran {
		c.jobsActive.Dec()
	}
	c.jobsFinished.WithLabelValues(string(status)).Inc()
}
