package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Jobs(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordQueued("export")
	c.RecordQueued("export")
	c.RecordSkipped("active")
	c.RecordFinished("export", true, time.Second)
	c.RecordFinished("export", false, time.Second)
	c.RecordRedelivery()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsQueued.WithLabelValues("export")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsSkipped.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("export", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("export", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.redeliveries))
}

func TestCollector_InFlight(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	done := c.RecordStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsInFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsInFlight))
}

func TestCollector_NodeState(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetNodeState("pending", "pending", "online")
	c.SetNodeState("online", "pending", "online")
	c.SetSchedulerActive(true)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.nodeState.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeState.WithLabelValues("online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.schedulerActive))
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordQueued("export")
		c.RecordSkipped("active")
		c.RecordStarted()()
		c.RecordFinished("export", true, time.Second)
		c.RecordRedelivery()
		c.SetSchedulerActive(true)
		c.SetNodeState("online")
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordQueued("export")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `gyrex_jobs_queued_total{job_type="export"} 1`))
}
