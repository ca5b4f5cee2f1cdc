package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the orchestrator's Prometheus metrics.
type Collector struct {
	// Job metrics
	jobsSubmittedTotal   *prometheus.CounterVec
	jobTransitionsTotal  *prometheus.CounterVec
	activeJobs           prometheus.Gauge

	// Poll metrics
	pollTicksTotal    prometheus.Counter
	pollFailuresTotal *prometheus.CounterVec
	pollDuration      prometheus.Histogram

	// Artifact metrics
	artifactBytesTotal   prometheus.Counter
	artifactImportsTotal *prometheus.CounterVec

	// Bridge HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered against reg. Passing a
// nil registerer uses the default global registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.jobsSubmittedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of generation jobs submitted",
		},
		[]string{"kind"},
	)

	c.jobTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_state_transitions_total",
			Help:      "Total number of job state transitions",
		},
		[]string{"from", "to"},
	)

	c.activeJobs = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Number of jobs currently pending or running",
		},
	)

	c.pollTicksTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Total number of poll scheduler ticks",
		},
	)

	c.pollFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Total number of per-job poll failures",
		},
		[]string{"code"},
	)

	c.pollDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_tick_duration_seconds",
			Help:      "Duration of one poll scheduler tick in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	c.artifactBytesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_downloaded_bytes_total",
			Help:      "Total bytes of artifact payloads downloaded",
		},
	)

	c.artifactImportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_imports_total",
			Help:      "Total number of artifact imports by outcome",
		},
		[]string{"status"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of bridge HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Bridge HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

// RecordJobSubmitted increments the submission counter for a job kind.
func (c *Collector) RecordJobSubmitted(kind string) {
	c.jobsSubmittedTotal.WithLabelValues(kind).Inc()
}

// RecordTransition counts one job state transition.
func (c *Collector) RecordTransition(from, to string) {
	c.jobTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetActiveJobs updates the active-job gauge.
func (c *Collector) SetActiveJobs(n int) {
	c.activeJobs.Set(float64(n))
}

// RecordPollTick records one scheduler tick and its duration.
func (c *Collector) RecordPollTick(duration time.Duration) {
	c.pollTicksTotal.Inc()
	c.pollDuration.Observe(duration.Seconds())
}

// RecordPollFailure counts one per-job poll failure by error code.
func (c *Collector) RecordPollFailure(code string) {
	c.pollFailuresTotal.WithLabelValues(code).Inc()
}

// RecordArtifactDownload adds downloaded payload bytes.
func (c *Collector) RecordArtifactDownload(bytes int64) {
	c.artifactBytesTotal.Add(float64(bytes))
}

// RecordArtifactImport counts one import attempt by outcome.
func (c *Collector) RecordArtifactImport(status string) {
	c.artifactImportsTotal.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records one bridge HTTP request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
