// Package metrics defines the minimal metrics surface the pipeline emits to.
//
// The core stages depend only on Backend; concrete exporters (Datadog, or
// the default nop) are selected once at startup in cmd/calletl. This keeps
// vendor SDKs out of the extract/load code paths.
package metrics

import "sync"

// Labels are free-form metric dimensions (e.g. {"step": "extract"}).
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use; the rate-limited HTTP
// client reports from the request path while the flush loop drains.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

// Metric names emitted by the pipeline.
const (
	MetricStepTotal      = "etl_step_total"
	MetricStepDuration   = "etl_step_duration_seconds"
	MetricRecordsTotal   = "etl_records_total"
	MetricBatchesTotal   = "etl_batches_total"
	MetricHTTPRequests   = "etl_http_requests_total"
	MetricHTTPErrors     = "etl_http_errors_total"
	MetricHTTPRequestDur = "etl_http_request_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Call once at startup.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
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

// IncCounter increments a counter on the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records a histogram sample on the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush drains the installed backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}
