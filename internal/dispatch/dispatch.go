// Package dispatch fans a chunk plan out concurrently and collects outcomes
// in chunk order.
package dispatch

import (
	"context"
	"time"

	"mbquery/internal/config"
	"mbquery/internal/export"
	"mbquery/internal/metrics"
	"mbquery/internal/query"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of task Index.
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

// OK reports whether the task succeeded.
func (o Outcome[T]) OK() bool { return o.Err == nil }

// Run calls fn once per index in [0,n) on its own goroutine and waits for all
// of them. A failing task never cancels the others; its error is kept in its
// Outcome. Concurrency is bounded by whatever fn blocks on (the HTTP
// transport's per-host limit for exports).
func Run[T any](ctx context.Context, n int, fn func(ctx context.Context, i int) (T, error)) []Outcome[T] {
	out := make([]Outcome[T], n)

	// The zero Group has no derived context, so one failure does not cancel
	// the siblings.
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := fn(ctx, i)
			out[i] = Outcome[T]{Index: i, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Exporter is the per-descriptor export step. *export.Exporter implements it.
type Exporter interface {
	Export(ctx context.Context, d *query.Descriptor, f config.Format) (export.Payload, error)
}

// Exports runs every descriptor of plan through e.
func Exports(ctx context.Context, e Exporter, plan []*query.Descriptor, f config.Format, job string) []Outcome[export.Payload] {
	return Run(ctx, len(plan), func(ctx context.Context, i int) (export.Payload, error) {
		start := time.Now()
		p, err := e.Export(ctx, plan[i], f)
		metrics.RecordChunk(job, err)
		metrics.RecordStep(job, "export", err, time.Since(start))
		return p, err
	})
}

// Failed returns the errors of failed outcomes in index order.
func Failed[T any](outcomes []Outcome[T]) []error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}
