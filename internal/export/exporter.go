// Package export issues export requests for a resolved descriptor and turns
// the response into a payload, retrying transport, HTTP and data errors.
package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"mbquery/internal/api"
	"mbquery/internal/config"
	"mbquery/internal/metrics"
	"mbquery/internal/progress"
	"mbquery/internal/query"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Doer sends one export request. *api.Client implements it.
type Doer interface {
	Export(ctx context.Context, exportURL string, form url.Values) (*api.Response, error)
}

// Payload is a decoded export: ordered records for json, raw bytes otherwise.
type Payload struct {
	Format  config.Format
	Records []Record
	Raw     []byte
}

// Len is the record count for json and the byte count otherwise.
func (p Payload) Len() int {
	if p.Format == config.FormatJSON {
		return len(p.Records)
	}
	return len(p.Raw)
}

// Options configures an Exporter.
type Options struct {
	// Attempts is the total number of attempts; values below 1 mean one.
	Attempts int

	Backoff    time.Duration
	MaxBackoff time.Duration

	// RetryErrors selects retryable data errors; see ErrorPolicy.
	RetryErrors []string

	// RateLimit caps attempts per second. 0 disables it.
	RateLimit float64

	JobName  string
	Logger   logrus.FieldLogger
	Progress *progress.Tracker
}

// OptionsFromConfig maps client configuration onto exporter options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Attempts:    cfg.RetryAttempts,
		Backoff:     cfg.RetryBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
		RetryErrors: cfg.RetryErrors,
		RateLimit:   cfg.RateLimit,
		JobName:     cfg.JobName,
	}
}

// Exporter runs export requests. It is safe for concurrent use.
type Exporter struct {
	doer    Doer
	opts    Options
	policy  ErrorPolicy
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// New returns an Exporter sending through doer.
func New(doer Doer, opts Options) *Exporter {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Progress == nil {
		opts.Progress = progress.New(opts.Logger, false)
	}
	log := opts.Logger
	if log == nil {
		log = opts.Progress.Logger()
	}

	e := &Exporter{
		doer:   doer,
		opts:   opts,
		policy: NewErrorPolicy(opts.RetryErrors),
		log:    log.WithField("component", "export"),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return e
}

// Export runs d with format f, retrying up to the configured attempts.
//
// Transport errors and non-2xx responses are always retried. Data errors are
// retried only when the error policy says so; otherwise they are returned
// after the first attempt. When every attempt fails the last error is
// returned.
func (e *Exporter) Export(ctx context.Context, d *query.Descriptor, f config.Format) (Payload, error) {
	form, err := d.Form()
	if err != nil {
		return Payload{}, err
	}
	exportURL := d.ExportURL(f)

	var lastErr error
	for attempt := 1; attempt <= e.opts.Attempts; attempt++ {
		if attempt > 1 {
			wait := nextRetryDelay(lastErr, attempt-1, e.opts.Backoff, e.opts.MaxBackoff)
			if !sleepContext(ctx, wait) {
				return Payload{}, fmt.Errorf("export %s: %w (last error: %v)", exportURL, ctx.Err(), lastErr)
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return Payload{}, fmt.Errorf("export %s: rate limiter: %w", exportURL, err)
			}
		}

		e.opts.Progress.Querying(exportURL)
		payload, err := e.attempt(ctx, exportURL, form, f, d.Columns)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		var de *DataError
		if errors.As(err, &de) && !de.Retryable {
			return Payload{}, err
		}
		if ctx.Err() != nil {
			return Payload{}, fmt.Errorf("export %s: %w", exportURL, err)
		}
		if attempt < e.opts.Attempts {
			metrics.RecordRetry(e.opts.JobName, retryReason(err))
			e.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"of":      e.opts.Attempts,
				"url":     exportURL,
			}).WithError(err).Warn("export attempt failed, retrying")
		}
	}
	return Payload{}, fmt.Errorf("export %s failed after %d attempt(s): %w", exportURL, e.opts.Attempts, lastErr)
}

func (e *Exporter) attempt(ctx context.Context, exportURL string, form url.Values, f config.Format, columns []string) (Payload, error) {
	resp, err := e.doer.Export(ctx, exportURL, form)

	status, size := 0, int64(-1)
	var reqDur, respDur time.Duration
	if resp != nil {
		status, reqDur, respDur = resp.StatusCode, resp.RequestDur, resp.ResponseDur
		if resp.Body != nil {
			size = int64(len(resp.Body))
		}
	}
	metrics.RecordHTTP(e.opts.JobName, status, err, reqDur, respDur, size)
	if err != nil {
		return Payload{}, err
	}

	if f == config.FormatJSON {
		records, msg, isErr, err := decodeJSONBody(resp.Body)
		if err != nil {
			return Payload{}, err
		}
		if isErr {
			return Payload{}, e.policy.classify(msg)
		}
		if len(columns) > 0 {
			for i := range records {
				records[i] = records[i].Project(columns)
			}
		}
		metrics.RecordRecords(e.opts.JobName, string(f), len(records))
		return Payload{Format: f, Records: records}, nil
	}

	if msg, ok := sniffDataError(resp.Body); ok {
		return Payload{}, e.policy.classify(msg)
	}
	return Payload{Format: f, Raw: resp.Body}, nil
}

func retryReason(err error) string {
	var de *DataError
	var he *api.HTTPError
	switch {
	case errors.As(err, &de):
		return "data"
	case errors.As(err, &he):
		return "http"
	default:
		return "transport"
	}
}

// nextRetryDelay is base * 2^(attempt-1) clamped to max, or the server's
// Retry-After on a 429.
func nextRetryDelay(err error, attempt int, base, max time.Duration) time.Duration {
	var he *api.HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests && he.RetryAfter > 0 {
		return he.RetryAfter
	}
	if base <= 0 {
		return 0
	}
	d := base << uint(attempt-1)
	if d <= 0 || (max > 0 && d > max) {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
