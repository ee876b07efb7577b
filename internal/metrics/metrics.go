// Package metrics is a small facade over a pluggable metrics backend.
//
// Client code records through the package-level helpers; the command decides
// which Backend (Datadog, Prometheus Pushgateway or none) receives them.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names shared by every backend.
const (
	StepTotal           = "mbq_step_total"
	StepDurationSeconds = "mbq_step_duration_seconds"
	RecordsTotal        = "mbq_records_total"
	ChunksTotal         = "mbq_chunks_total"
	RetriesTotal        = "mbq_retries_total"

	HTTPRequestsTotal           = "mbq_http_requests_total"
	HTTPErrorsTotal             = "mbq_http_errors_total"
	HTTPRequestDurationSeconds  = "mbq_http_request_duration_seconds"
	HTTPResponseDurationSeconds = "mbq_http_response_duration_seconds"
	HTTPDownloadBytes           = "mbq_http_download_bytes"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStep records one pipeline step (resolve, plan, export, combine).
func RecordStep(job, step string, err error, d time.Duration) {
	labels := Labels{"job": job, "step": step, "status": statusOf(err)}
	b := current()
	b.IncCounter(StepTotal, 1, labels)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), labels)
}

// RecordRecords counts decoded records or csv lines of a given kind.
func RecordRecords(job, kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"job": job, "kind": kind})
}

// RecordChunk counts one finished chunk of a plan.
func RecordChunk(job string, err error) {
	current().IncCounter(ChunksTotal, 1, Labels{"job": job, "status": statusOf(err)})
}

// RecordRetry counts one retry. reason is "http", "transport" or "data".
func RecordRetry(job, reason string) {
	current().IncCounter(RetriesTotal, 1, Labels{"job": job, "reason": reason})
}

// RecordHTTP records one HTTP attempt. status is 0 when no response arrived.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, size int64) {
	st := "0"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	labels := Labels{"job": job, "status": st}

	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, labels)
	if err != nil || status == 0 || status >= 400 {
		b.IncCounter(HTTPErrorsTotal, 1, labels)
	}
	if reqDur > 0 {
		b.ObserveHistogram(HTTPRequestDurationSeconds, reqDur.Seconds(), labels)
	}
	if respDur > 0 {
		b.ObserveHistogram(HTTPResponseDurationSeconds, respDur.Seconds(), labels)
	}
	if size >= 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(size), labels)
	}
}
