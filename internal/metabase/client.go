// Package metabase is the client facade: it classifies a URL (or takes raw
// SQL), resolves it against live metadata, chunks oversized filters, exports
// every chunk concurrently and merges the results.
package metabase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mbquery/internal/api"
	"mbquery/internal/combine"
	"mbquery/internal/config"
	"mbquery/internal/dispatch"
	"mbquery/internal/export"
	"mbquery/internal/filters"
	"mbquery/internal/locator"
	"mbquery/internal/metrics"
	"mbquery/internal/progress"
	"mbquery/internal/query"

	"github.com/sirupsen/logrus"
)

// Result is the answer to one URL (or SQL statement) and filter set.
type Result struct {
	// Target is the URL or SQL text that was queried.
	Target  string
	Filters map[string]any
	Format  config.Format

	combine.Result

	// Err is set on batch items that failed as a whole.
	Err error
}

// Client runs queries against Metabase. It holds no connection state; each
// call builds its own transport, progress tracker and deadline.
type Client struct {
	cfg config.Config
	log logrus.FieldLogger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is logrus' standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New validates cfg and returns a Client.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.WithField("component", "metabase")
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() config.Config { return c.cfg }

// session is the state of one logical call.
type session struct {
	api      *api.Client
	exporter *export.Exporter
	progress *progress.Tracker
	log      logrus.FieldLogger
	job      string
}

func (c *Client) begin(ctx context.Context) (*session, context.Context, context.CancelFunc) {
	tracker := progress.New(c.log, c.cfg.Verbose)
	apiClient := api.New(api.Options{
		Session:         c.cfg.Session,
		MaxConnsPerHost: c.cfg.LimitPerHost,
	})

	opts := export.OptionsFromConfig(c.cfg)
	opts.Logger = tracker.Logger()
	opts.Progress = tracker

	s := &session{
		api:      apiClient,
		exporter: export.New(apiClient, opts),
		progress: tracker,
		log:      tracker.Logger(),
		job:      c.cfg.JobName,
	}

	var cancel context.CancelFunc
	if c.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	return s, ctx, func() {
		cancel()
		apiClient.CloseIdleConnections()
	}
}

// Query exports one Metabase URL with optional filter overrides.
//
// format is json, csv or xlsx. When the dominant filter is chunked the result
// may be partial: failed chunks are counted in Result.Failed and logged. An
// unchunked request returns its export error directly.
func (c *Client) Query(ctx context.Context, rawURL string, filterSet map[string]any, format string) (Result, error) {
	f, err := config.ParseFormat(format)
	if err != nil {
		return Result{}, err
	}
	s, ctx, done := c.begin(ctx)
	defer done()

	start := time.Now()
	res, err := c.query(ctx, s, rawURL, filterSet, f)
	metrics.RecordStep(s.job, "query", err, time.Since(start))
	return res, err
}

func (c *Client) query(ctx context.Context, s *session, rawURL string, filterSet map[string]any, f config.Format) (Result, error) {
	res := Result{Target: rawURL, Filters: filterSet, Format: f}

	loc, err := locator.Classify(rawURL)
	if err != nil {
		return res, fmt.Errorf("%w: %w", query.ErrInvalidInput, err)
	}
	fm, key, count, err := filters.Normalize(filterSet)
	if err != nil {
		return res, fmt.Errorf("%w: %w", query.ErrInvalidInput, err)
	}
	if err := query.CheckChunkable(f, key, count, c.cfg.FilterChunkSize); err != nil {
		return res, err
	}

	s.progress.Parsing(rawURL)
	start := time.Now()
	d, err := query.Resolve(ctx, s.api, loc, fm)
	metrics.RecordStep(s.job, "resolve", err, time.Since(start))
	if err != nil {
		return res, err
	}
	return c.run(ctx, s, d, fm, key, f, res)
}

// run plans, exports and merges one resolved descriptor.
func (c *Client) run(ctx context.Context, s *session, d *query.Descriptor, fm filters.Map, key string, f config.Format, res Result) (Result, error) {
	plan, err := query.Plan(d, fm, key, c.cfg.FilterChunkSize, f)
	if err != nil {
		return res, err
	}
	s.progress.Planned(len(plan))

	if len(plan) == 1 {
		start := time.Now()
		p, err := s.exporter.Export(ctx, plan[0], f)
		metrics.RecordChunk(s.job, err)
		metrics.RecordStep(s.job, "export", err, time.Since(start))
		if err != nil {
			return res, err
		}
		res.Payload = p
		res.Succeeded = 1
		return res, nil
	}

	s.log.WithFields(logrus.Fields{"filter": key, "values": len(fm[key]), "chunks": len(plan)}).Info("filter split into chunks")
	outcomes := dispatch.Exports(ctx, s.exporter, plan, f, s.job)

	start := time.Now()
	merged, err := combine.Combine(outcomes, f, s.log)
	metrics.RecordStep(s.job, "combine", err, time.Since(start))
	if err != nil {
		return res, err
	}
	res.Result = merged
	return res, nil
}

// SQL runs raw SQL against database on the configured domain. database is a
// numeric id or a "<id>-<slug>" string.
func (c *Client) SQL(ctx context.Context, sql string, database any, format string) (Result, error) {
	f, err := config.ParseFormat(format)
	if err != nil {
		return Result{}, err
	}
	s, ctx, done := c.begin(ctx)
	defer done()

	start := time.Now()
	res, err := c.sql(ctx, s, sql, database, f)
	metrics.RecordStep(s.job, "query", err, time.Since(start))
	return res, err
}

func (c *Client) sql(ctx context.Context, s *session, sql string, database any, f config.Format) (Result, error) {
	res := Result{Target: sql, Format: f}
	d, err := query.ResolveSQL(c.cfg.Domain, sql, database)
	if err != nil {
		return res, err
	}
	s.progress.Parsing(d.Domain)
	return c.run(ctx, s, d, nil, "", f, res)
}

// ErrBatchShape is returned when batch inputs cannot be paired.
var ErrBatchShape = errors.New("batch inputs cannot be paired")

type item struct {
	target   string
	filters  map[string]any
	database any
}

// QueryMany runs several URL/filter pairs in one call. Accepted shapes are
// one URL with n filter sets, n URLs with no filter sets, and n URLs paired
// with n filter sets. Items fail independently: an item's failure is stored
// in its Result.Err.
func (c *Client) QueryMany(ctx context.Context, urls []string, filterSets []map[string]any, format string) ([]Result, error) {
	items, err := pairURLs(urls, filterSets)
	if err != nil {
		return nil, err
	}
	f, err := config.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	s, ctx, done := c.begin(ctx)
	defer done()

	return c.batch(ctx, s, items, f, func(ctx context.Context, it item) (Result, error) {
		return c.query(ctx, s, it.target, it.filters, f)
	}), nil
}

// SQLBatch runs several statements in one call. Accepted shapes are one
// statement on one database, n statements on one database and n statements
// on n databases.
func (c *Client) SQLBatch(ctx context.Context, sqls []string, databases []any, format string) ([]Result, error) {
	items, err := pairSQL(sqls, databases)
	if err != nil {
		return nil, err
	}
	f, err := config.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if _, err := query.NormalizeDomain(c.cfg.Domain); err != nil {
		return nil, err
	}
	s, ctx, done := c.begin(ctx)
	defer done()

	return c.batch(ctx, s, items, f, func(ctx context.Context, it item) (Result, error) {
		return c.sql(ctx, s, it.target, it.database, f)
	}), nil
}

func (c *Client) batch(ctx context.Context, s *session, items []item, f config.Format, fn func(context.Context, item) (Result, error)) []Result {
	start := time.Now()
	outcomes := dispatch.Run(ctx, len(items), func(ctx context.Context, i int) (Result, error) {
		return fn(ctx, items[i])
	})

	results := make([]Result, len(items))
	var failed int
	for i, o := range outcomes {
		r := o.Value
		r.Target, r.Filters, r.Format = items[i].target, items[i].filters, f
		if o.Err != nil {
			failed++
			r.Err = o.Err
			s.log.WithField("target", r.Target).WithError(o.Err).Warn("batch item failed")
		}
		results[i] = r
	}
	var err error
	if failed == len(items) && failed > 0 {
		err = fmt.Errorf("all %d batch items failed", failed)
	}
	metrics.RecordStep(s.job, "batch", err, time.Since(start))
	return results
}

func pairURLs(urls []string, filterSets []map[string]any) ([]item, error) {
	var items []item
	switch {
	case len(urls) == 0:
		return nil, fmt.Errorf("%w: %w: no urls", query.ErrInvalidInput, ErrBatchShape)
	case len(urls) == 1:
		if len(filterSets) == 0 {
			return []item{{target: urls[0]}}, nil
		}
		for _, fs := range filterSets {
			items = append(items, item{target: urls[0], filters: fs})
		}
	case len(filterSets) == 0:
		for _, u := range urls {
			items = append(items, item{target: u})
		}
	case len(filterSets) == len(urls):
		for i, u := range urls {
			items = append(items, item{target: u, filters: filterSets[i]})
		}
	default:
		return nil, fmt.Errorf("%w: %w: %d urls with %d filter sets; pass one filter set per url, none, or a single url",
			query.ErrInvalidInput, ErrBatchShape, len(urls), len(filterSets))
	}
	return items, nil
}

func pairSQL(sqls []string, databases []any) ([]item, error) {
	switch {
	case len(sqls) == 0 || len(databases) == 0:
		return nil, fmt.Errorf("%w: %w: need at least one statement and one database", query.ErrInvalidInput, ErrBatchShape)
	case len(databases) == 1:
		items := make([]item, len(sqls))
		for i, q := range sqls {
			items[i] = item{target: q, database: databases[0]}
		}
		return items, nil
	case len(databases) == len(sqls):
		items := make([]item, len(sqls))
		for i, q := range sqls {
			items[i] = item{target: q, database: databases[i]}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%w: %w: %d statements with %d databases", query.ErrInvalidInput, ErrBatchShape, len(sqls), len(databases))
	}
}
