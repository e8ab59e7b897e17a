package runtime

import (
	"sync/atomic"
	"time"
)

// DefaultMetricsCollector is a thread-safe in-process MetricsCollector.
type DefaultMetricsCollector struct {
	executed         atomic.Int64
	errors           atomic.Int64
	totalProcessTime atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{}
}

// RecordExecution records a finished execution.
func (m *DefaultMetricsCollector) RecordExecution(_ NodeType, duration time.Duration, err error) {
	if err != nil {
		m.errors.Add(1)
		return
	}
	m.executed.Add(1)
	m.totalProcessTime.Add(duration.Nanoseconds())
}

// GetMetrics returns the current metrics.
func (m *DefaultMetricsCollector) GetMetrics() Metrics {
	return Metrics{
		TotalExecuted:    m.executed.Load(),
		TotalErrors:      m.errors.Load(),
		ProcessingTimeNs: m.totalProcessTime.Load(),
	}
}

// Reset resets all metrics.
func (m *DefaultMetricsCollector) Reset() {
	m.executed.Store(0)
	m.errors.Store(0)
	m.totalProcessTime.Store(0)
}

// AverageProcessingTime returns the average processing time per successful execution.
func (m *DefaultMetricsCollector) AverageProcessingTime() time.Duration {
	executed := m.executed.Load()
	if executed == 0 {
		return 0
	}
	return time.Duration(m.totalProcessTime.Load() / executed)
}

// ErrorRate returns the error rate as a percentage.
func (m *DefaultMetricsCollector) ErrorRate() float64 {
	executed := m.executed.Load()
	errors := m.errors.Load()
	total := executed + errors
	if total == 0 {
		return 0
	}
	return float64(errors) / float64(total) * 100
}

var _ MetricsCollector = (*DefaultMetricsCollector)(nil)

// NoOpMetricsCollector is a metrics collector that does nothing.
type NoOpMetricsCollector struct{}

func (m *NoOpMetricsCollector) RecordExecution(NodeType, time.Duration, error) {}
func (m *NoOpMetricsCollector) GetMetrics() Metrics                            { return Metrics{} }
func (m *NoOpMetricsCollector) Reset()                                         {}

var _ MetricsCollector = (*NoOpMetricsCollector)(nil)
