package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollector_JobMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("trellis", reg, zap.NewNop())

	c.RecordJobSubmitted("image_to_3d")
	c.RecordJobSubmitted("image_to_3d")
	c.RecordJobSubmitted("text_to_3d")
	c.RecordTransition("pending", "running")
	c.SetActiveJobs(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsSubmittedTotal.WithLabelValues("image_to_3d")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsSubmittedTotal.WithLabelValues("text_to_3d")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobTransitionsTotal.WithLabelValues("pending", "running")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.activeJobs))
}

func TestCollector_PollAndArtifactMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("trellis", reg, zap.NewNop())

	c.RecordPollTick(50 * time.Millisecond)
	c.RecordPollFailure("CONNECTION")
	c.RecordArtifactDownload(2048)
	c.RecordArtifactImport("ok")
	c.RecordHTTPRequest("GET", "/api/jobs", "200", 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.pollTicksTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.pollFailuresTotal.WithLabelValues("CONNECTION")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(c.artifactBytesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.artifactImportsTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/api/jobs", "200")))
}

func TestNewCollector_NilDefaults(t *testing.T) {
	// Separate registry keeps repeated construction from colliding with the
	// global registrations of other tests.
	reg := prometheus.NewRegistry()
	c := NewCollector("trellis_nil", reg, nil)
	require.NotNil(t, c)
	require.NotNil(t, c.logger)
}
