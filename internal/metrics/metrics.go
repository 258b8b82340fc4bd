// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from running pipelines.
//
//   - It exposes a narrow interface (Backend) focused on counters and timing
//     data (histograms).
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - Concrete metric systems live in subpackages (prompush, datadog), so the
//     engine depends only on this package.
//
// Every step worker records one RecordStep on exit plus its row counters.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the helpers below.
const (
	StepTotal           = "rowflow_step_total"
	StepDurationSeconds = "rowflow_step_duration_seconds"
	RowsTotal           = "rowflow_rows_total"
	BatchesTotal        = "rowflow_batches_total"
)

// Row counter kinds.
const (
	KindRead     = "read"
	KindWritten  = "written"
	KindRejected = "rejected"
	KindOutput   = "output"
	KindErrors   = "errors"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep records one step-copy execution: a counter partitioned by
// status plus its duration.
func RecordStep(pipeline, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"pipeline": pipeline,
		"step":     step,
		"status":   status,
	}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// RecordRow increments a row-level counter. kind is one of the Kind*
// constants. Non-positive deltas are ignored.
func RecordRow(pipeline, step, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{
		"pipeline": pipeline,
		"step":     step,
		"kind":     kind,
	})
}

// RecordBatches increments the batch counter of a batching step (embedded
// pipeline flushes, table output commits).
func RecordBatches(pipeline, step string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(BatchesTotal, float64(delta), Labels{
		"pipeline": pipeline,
		"step":     step,
	})
}
