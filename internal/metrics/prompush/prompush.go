// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway on Flush. mbq runs are short-lived, so nothing is scraped.
package prompush

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"mbquery/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Options configures the backend.
type Options struct {
	// URL of the Pushgateway, e.g. http://pushgateway:9091. Required.
	URL string

	// JobName is the Pushgateway job grouping key. Defaults to "mbq".
	JobName string

	// Grouping adds extra grouping labels (e.g. instance).
	Grouping map[string]string
}

// Backend buffers metrics in a private registry and pushes the whole registry
// on Flush. Pushes replace the group, so counters are cumulative per process.
type Backend struct {
	reg    *prometheus.Registry
	pusher *push.Pusher

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

// NewBackend validates opts and builds a pusher.
func NewBackend(opts Options) (*Backend, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("prompush: pushgateway url is required")
	}
	job := opts.JobName
	if job == "" {
		job = "mbq"
	}

	reg := prometheus.NewRegistry()
	p := push.New(opts.URL, job).Gatherer(reg)
	for k, v := range opts.Grouping {
		p = p.Grouping(k, v)
	}

	return &Backend{
		reg:        reg,
		pusher:     p,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}, nil
}

// Registry exposes the underlying registry.
func (b *Backend) Registry() *prometheus.Registry { return b.reg }

func sortedLabelNames(labels metrics.Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		if k == "job" {
			// job is the Pushgateway grouping key
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func buckets(name string) []float64 {
	switch {
	case strings.HasSuffix(name, "_seconds"):
		return prometheus.ExponentialBuckets(0.01, 2, 14) // 10ms to ~163s
	case strings.HasSuffix(name, "_bytes"):
		return prometheus.ExponentialBuckets(256, 4, 10) // 256B to ~64MB
	default:
		return prometheus.DefBuckets
	}
}

// values returns label values in the order the vector was created with, or
// false when the label set does not match.
func (b *Backend) values(name string, labels metrics.Labels) ([]string, bool) {
	names := b.labelNames[name]
	if len(names) != len(sortedLabelNames(labels)) {
		return nil, false
	}
	out := make([]string, len(names))
	for i, n := range names {
		v, ok := labels[n]
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// IncCounter implements metrics.Backend. Calls whose label set differs from
// the first call for the same name are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	vec, ok := b.counters[name]
	if !ok {
		names := sortedLabelNames(labels)
		vec = promauto.With(b.reg).NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: "mbq counter " + name,
		}, names)
		b.counters[name] = vec
		b.labelNames[name] = names
	}
	vals, ok := b.values(name, labels)
	if !ok {
		return
	}
	vec.WithLabelValues(vals...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	vec, ok := b.histograms[name]
	if !ok {
		names := sortedLabelNames(labels)
		vec = promauto.With(b.reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    "mbq histogram " + name,
			Buckets: buckets(name),
		}, names)
		b.histograms[name] = vec
		b.labelNames[name] = names
	}
	vals, ok := b.values(name, labels)
	if !ok {
		return
	}
	vec.WithLabelValues(vals...).Observe(value)
}

// Flush pushes the registry. Nothing is pushed before the first metric.
func (b *Backend) Flush() error {
	b.mu.Lock()
	empty := len(b.counters) == 0 && len(b.histograms) == 0
	b.mu.Unlock()
	if empty {
		return nil
	}
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

// Close performs a final push.
func (b *Backend) Close() error {
	return b.Flush()
}

var _ metrics.Backend = (*Backend)(nil)
