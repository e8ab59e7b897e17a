package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports node execution metrics to Prometheus while keeping the
// in-process counters of DefaultMetricsCollector.
type PrometheusCollector struct {
	DefaultMetricsCollector
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewPrometheusCollector creates the collector and registers its metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daedalus",
			Name:      "node_executions_total",
			Help:      "Node executions by node type and outcome.",
		}, []string{"node_type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daedalus",
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution latency by node type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type"}),
	}
	if err := reg.Register(c.executions); err != nil {
		return nil, err
	}
	if err := reg.Register(c.duration); err != nil {
		return nil, err
	}
	return c, nil
}

// RecordExecution records a finished execution.
func (c *PrometheusCollector) RecordExecution(nodeType NodeType, duration time.Duration, err error) {
	c.DefaultMetricsCollector.RecordExecution(nodeType, duration, err)

	status := "success"
	if err != nil {
		status = "error"
	}
	c.executions.WithLabelValues(string(nodeType), status).Inc()
	c.duration.WithLabelValues(string(nodeType)).Observe(duration.Seconds())
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
