package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mbquery/internal/config"
	"mbquery/internal/locator"
	"mbquery/internal/metabase"
	"mbquery/internal/metrics"
	"mbquery/internal/metrics/datadog"
	"mbquery/internal/output"
	"mbquery/internal/query"
	"mbquery/internal/storage"
)

// app holds per-invocation state. Each run gets its own viper instance so
// tests do not share configuration.
type app struct {
	d *deps
	v *viper.Viper
}

func newApp(d *deps) *app {
	v := viper.New()
	v.SetEnvPrefix("MBQ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{d: d, v: v}
}

func newRootCmd(d *deps) *cobra.Command {
	a := newApp(d)

	root := &cobra.Command{
		Use:           "mbq",
		Short:         "Export Metabase questions, queries and raw SQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	a.addPersistentFlags(root.PersistentFlags())

	root.AddCommand(a.queryCmd(), a.sqlCmd(), a.classifyCmd())
	return root
}

func (a *app) addPersistentFlags(fs *pflag.FlagSet) {
	def := config.Default()

	fs.String("config", "", "config file (json, yaml or toml)")
	fs.String("session", "", "Metabase session token (X-Metabase-Session)")
	fs.String("domain", def.Domain, "Metabase origin used for raw SQL")
	fs.Int("retry-attempts", def.RetryAttempts, "total export attempts; 0 disables retry")
	fs.StringSlice("retry-errors", nil, "data error patterns that are retried (default: retry every data error)")
	fs.Int("limit-per-host", def.LimitPerHost, "max concurrent connections to the Metabase host")
	fs.Duration("timeout", def.Timeout, "timeout for one logical call (config files and MBQ_TIMEOUT also accept plain seconds)")
	fs.Bool("verbose", def.Verbose, "log progress")
	fs.Int("filter-chunk-size", def.FilterChunkSize, "max values of one filter per request")
	fs.Duration("retry-backoff", def.RetryBackoff, "base backoff between attempts")
	fs.Duration("retry-max-backoff", def.RetryMaxBackoff, "max backoff between attempts")
	fs.Float64("rate-limit", def.RateLimit, "max export attempts per second; 0 disables it")
	fs.String("job-name", def.JobName, "job name used in metrics")

	fs.String("metrics", "none", "metrics backend: none, datadog or pushgateway")
	fs.String("dd-tags", "", "extra Datadog tags CSV (e.g. env:prod,team:data)")
	fs.Duration("metrics-flush", time.Minute, "Datadog flush interval")
	fs.String("pushgateway-url", "", "Prometheus Pushgateway URL")
	fs.String("log-format", "text", "log format: text or json")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = a.v.BindPFlag(configKey(f.Name), f)
	})
}

func configKey(flag string) string { return strings.ReplaceAll(flag, "-", "_") }

// loadConfig merges the config file, environment and flags over defaults.
func (a *app) loadConfig() (config.Config, error) {
	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return config.Config{}, usageErr(fmt.Errorf("read config %s: %w", path, err))
		}
	}
	cfg := config.Default()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		config.SecondsDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := a.v.Unmarshal(&cfg, hook); err != nil {
		return config.Config{}, usageErr(fmt.Errorf("%w: %v", config.ErrInvalidConfig, err))
	}
	return cfg, nil
}

func (a *app) newLogger(cfg config.Config) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(a.d.Stderr)
	if a.v.GetString("log_format") == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	l.SetLevel(logrus.WarnLevel)
	if cfg.Verbose {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// withClient loads configuration, installs the metrics backend and runs fn
// with a ready client. The backend is flushed and closed afterwards.
func (a *app) withClient(ctx context.Context, fn func(ctx context.Context, c *metabase.Client, log logrus.FieldLogger) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	log := a.newLogger(cfg)
	for _, is := range cfg.Validate() {
		if is.Severity == config.SeverityWarning {
			log.Warn(is.String())
		}
	}

	c, err := metabase.New(cfg, metabase.WithLogger(log))
	if err != nil {
		return usageErr(err)
	}

	backend, err := a.d.BackendFactory(ctx, metricsOptions{
		Kind:           a.v.GetString("metrics"),
		JobName:        cfg.JobName,
		Tags:           append(datadog.ParseTagsCSV(a.v.GetString("dd_tags")), "tool:mbq"),
		FlushEvery:     a.v.GetDuration("metrics_flush"),
		PushgatewayURL: a.v.GetString("pushgateway_url"),
	})
	if err != nil {
		return usageErr(fmt.Errorf("metrics backend init failed: %w", err))
	}
	if backend != nil {
		metrics.SetBackend(backend)
		defer func() {
			if err := metrics.Flush(); err != nil {
				log.WithError(err).Warn("metrics flush failed")
			}
			_ = backend.Close()
			metrics.SetBackend(nil)
		}()
	}

	return fn(ctx, c, log)
}

// classifyErr picks the exit code for a client error.
func classifyErr(err error) error {
	var ee *exitError
	if errors.As(err, &ee) {
		return err
	}
	for _, target := range []error{
		config.ErrInvalidConfig,
		config.ErrUnsupportedFormat,
		query.ErrInvalidInput,
		query.ErrMissingDomain,
		query.ErrUnresolvableParameters,
	} {
		if errors.Is(err, target) {
			return usageErr(err)
		}
	}
	return failedErr(err)
}

type sinkFlags struct {
	kind  string
	dsn   string
	table string
	batch int
}

func (s *sinkFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&s.kind, "sink", "", fmt.Sprintf("also load json records into a database: %s", strings.Join(storage.Kinds(), ", ")))
	fs.StringVar(&s.dsn, "sink-dsn", "", "sink connection string")
	fs.StringVar(&s.table, "sink-table", "mbq_export", "sink table name")
	fs.IntVar(&s.batch, "sink-batch", storage.DefaultBatchSize, "rows per insert batch")
}

type outputFlags struct {
	format string
	out    string
	table  bool
	sink   sinkFlags
}

func (o *outputFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&o.format, "format", "f", "json", "export format: json, csv or xlsx")
	fs.StringVarP(&o.out, "out", "o", "", "output file; a directory for batches; stdout when empty")
	fs.BoolVar(&o.table, "table", false, "render json or csv results as a table")
	o.sink.add(fs)
}

func (o *outputFlags) validate() error {
	if o.sink.kind != "" && !strings.EqualFold(strings.TrimSpace(o.format), "json") {
		return usageErr(errors.New("--sink needs --format json"))
	}
	return nil
}

// emit writes results and loads them into the sink. It returns a failure
// when any batch item failed.
func (a *app) emit(ctx context.Context, o *outputFlags, results []metabase.Result, batch bool, log logrus.FieldLogger) error {
	var sink storage.Sink
	if o.sink.kind != "" {
		s, err := storage.New(ctx, storage.Config{Kind: o.sink.kind, DSN: o.sink.dsn})
		if err != nil {
			return failedErr(fmt.Errorf("open sink: %w", err))
		}
		defer s.Close()
		sink = s
	}
	if batch && o.out != "" && o.out != "-" {
		if err := os.MkdirAll(o.out, 0o755); err != nil {
			return failedErr(fmt.Errorf("create output directory: %w", err))
		}
	}

	var failed int
	for i, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		if res.Failed > 0 {
			log.WithFields(logrus.Fields{"target": res.Target, "failed_chunks": res.Failed}).Warn("result is partial")
		}

		path := o.out
		if batch && path != "" && path != "-" {
			ext := string(res.Format)
			if o.table {
				ext = "txt"
			}
			path = filepath.Join(o.out, fmt.Sprintf("result-%03d.%s", i, ext))
		}
		if err := a.write(path, res, o.table); err != nil {
			return failedErr(fmt.Errorf("write %s: %w", res.Target, err))
		}

		if sink != nil {
			n, err := storage.Load(ctx, sink, o.sink.table, res.Payload.Records, o.sink.batch)
			if err != nil {
				return failedErr(err)
			}
			log.WithFields(logrus.Fields{"table": o.sink.table, "rows": n}).Info("loaded into sink")
		}
	}
	if failed > 0 {
		return failedErr(fmt.Errorf("%d of %d batch items failed", failed, len(results)))
	}
	return nil
}

func (a *app) write(path string, res metabase.Result, asTable bool) error {
	if path != "" && path != "-" {
		return output.WriteFile(path, res.Payload, asTable)
	}
	if asTable {
		return output.WriteTable(a.d.Stdout, res.Payload)
	}
	return output.Write(a.d.Stdout, res.Payload)
}

func (a *app) queryCmd() *cobra.Command {
	var (
		o          outputFlags
		filterArgs []string
		filterJSON string
		setsPath   string
	)
	cmd := &cobra.Command{
		Use:   "query URL [URL...]",
		Short: "Export saved questions, ad-hoc queries or native SQL URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, urls []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			filters, err := parseFilters(filterArgs, filterJSON)
			if err != nil {
				return usageErr(err)
			}
			var sets []map[string]any
			if setsPath != "" {
				if sets, err = readFilterSets(setsPath); err != nil {
					return usageErr(err)
				}
				if len(filters) > 0 {
					return usageErr(errors.New("--filter-sets cannot be combined with --filter or --filters"))
				}
			}

			return a.withClient(cmd.Context(), func(ctx context.Context, c *metabase.Client, log logrus.FieldLogger) error {
				if len(urls) == 1 && sets == nil {
					res, err := c.Query(ctx, urls[0], filters, o.format)
					if err != nil {
						return classifyErr(err)
					}
					return a.emit(ctx, &o, []metabase.Result{res}, false, log)
				}

				if sets == nil && len(filters) > 0 {
					sets = []map[string]any{filters}
				}
				results, err := c.QueryMany(ctx, urls, sets, o.format)
				if err != nil {
					return classifyErr(err)
				}
				return a.emit(ctx, &o, results, true, log)
			})
		},
	}
	fs := cmd.Flags()
	o.add(fs)
	fs.StringArrayVar(&filterArgs, "filter", nil, "filter override name=v1,v2 (repeatable)")
	fs.StringVar(&filterJSON, "filters", "", `filter overrides as a JSON object, e.g. {"state":["CA","NY"]}`)
	fs.StringVar(&setsPath, "filter-sets", "", "JSON file holding an array of filter objects, one result per object")
	return cmd
}

func (a *app) sqlCmd() *cobra.Command {
	var (
		o         outputFlags
		databases []string
	)
	cmd := &cobra.Command{
		Use:   "sql SQL [SQL...]",
		Short: "Run raw SQL against a database on the configured domain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, sqls []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			if len(databases) == 0 {
				return usageErr(errors.New("--database is required"))
			}
			dbs := make([]any, len(databases))
			for i, d := range databases {
				dbs[i] = d
			}

			return a.withClient(cmd.Context(), func(ctx context.Context, c *metabase.Client, log logrus.FieldLogger) error {
				if len(sqls) == 1 && len(dbs) == 1 {
					res, err := c.SQL(ctx, sqls[0], dbs[0], o.format)
					if err != nil {
						return classifyErr(err)
					}
					return a.emit(ctx, &o, []metabase.Result{res}, false, log)
				}
				results, err := c.SQLBatch(ctx, sqls, dbs, o.format)
				if err != nil {
					return classifyErr(err)
				}
				return a.emit(ctx, &o, results, true, log)
			})
		},
	}
	fs := cmd.Flags()
	o.add(fs)
	fs.StringArrayVarP(&databases, "database", "d", nil, "database id or id-slug (one, or one per statement)")
	return cmd
}

func (a *app) classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify URL [URL...]",
		Short: "Print the kind of each Metabase URL without contacting it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, urls []string) error {
			for _, u := range urls {
				loc, err := locator.Classify(u)
				if err != nil {
					return usageErr(err)
				}
				line := fmt.Sprintf("%s\t%s", loc.Kind, loc.Origin)
				if loc.Kind == locator.KindCard {
					line += fmt.Sprintf("\t%d", loc.QuestionID)
				}
				fmt.Fprintln(a.d.Stdout, line)
			}
			return nil
		},
	}
}
