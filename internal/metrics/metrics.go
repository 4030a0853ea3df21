package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gyrex"

// Collector holds the Prometheus metrics of a node. A nil *Collector records nothing,
// so components accept one unconditionally.
type Collector struct {
	jobsQueued   *prometheus.CounterVec
	jobsSkipped  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobsInFlight prometheus.Gauge
	redeliveries prometheus.Counter

	schedulerActive prometheus.Gauge
	nodeState       *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. A *prometheus.Registry
// is also used as the gatherer of Handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Total number of job requests sent to a queue",
		}, []string{"job_type"}),
		jobsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_skipped_total",
			Help:      "Total number of schedule firings or deliveries that did not run a job",
		}, []string{"reason"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of finished job runs",
		}, []string{"job_type", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of job runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of running jobs on this node",
		}),
		redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_redeliveries_total",
			Help:      "Total number of messages received more than once",
		}),
		schedulerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_active",
			Help:      "1 while this node holds the scheduler lock",
		}),
		nodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_state",
			Help:      "1 for the current membership state of this node",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.jobsQueued,
		c.jobsSkipped,
		c.jobsFinished,
		c.jobDuration,
		c.jobsInFlight,
		c.redeliveries,
		c.schedulerActive,
		c.nodeState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

func (c *Collector) RecordQueued(jobType string) {
	if c == nil {
		return
	}
	c.jobsQueued.WithLabelValues(jobType).Inc()
}

func (c *Collector) RecordSkipped(reason string) {
	if c == nil {
		return
	}
	c.jobsSkipped.WithLabelValues(reason).Inc()
}

// RecordStarted marks a job as in flight; call the returned func when it finished.
func (c *Collector) RecordStarted() func() {
	if c == nil {
		return func() {}
	}
	c.jobsInFlight.Inc()
	return c.jobsInFlight.Dec
}

func (c *Collector) RecordFinished(jobType string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.jobsFinished.WithLabelValues(jobType, result).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (c *Collector) RecordRedelivery() {
	if c == nil {
		return
	}
	c.redeliveries.Inc()
}

func (c *Collector) SetSchedulerActive(active bool) {
	if c == nil {
		return
	}
	if active {
		c.schedulerActive.Set(1)
	} else {
		c.schedulerActive.Set(0)
	}
}

// SetNodeState sets the gauge of current to 1 and every other state in all to 0.
func (c *Collector) SetNodeState(current string, all ...string) {
	if c == nil {
		return
	}
	for _, s := range all {
		c.nodeState.WithLabelValues(s).Set(0)
	}
	c.nodeState.WithLabelValues(current).Set(1)
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
