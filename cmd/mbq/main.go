// Command mbq exports Metabase questions, ad-hoc queries and raw SQL.
//
//	mbq query 'https://mb.example.com/question/42-orders' --filter state=CA,NY --format csv -o orders.csv
//	mbq sql 'select * from orders' --database 3 --format json
//	mbq classify 'https://mb.example.com/question#eyJkYXRhc2V0X3F1ZXJ5Ijp7fX0='
//
// Settings come from flags, MBQ_* environment variables and an optional
// --config file, in that order of precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mbquery/internal/api"
	"mbquery/internal/metrics"
	"mbquery/internal/metrics/datadog"
	"mbquery/internal/metrics/prompush"
	_ "mbquery/internal/storage/all"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// metricsOptions configures the backend picked with --metrics.
type metricsOptions struct {
	Kind           string
	JobName        string
	Tags           []string
	FlushEvery     time.Duration
	PushgatewayURL string
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	// BackendFactory returns nil, nil for --metrics=none.
	BackendFactory func(ctx context.Context, o metricsOptions) (backendCloser, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		BackendFactory: newBackend,
	})
	stop()
	os.Exit(code)
}

func newBackend(ctx context.Context, o metricsOptions) (backendCloser, error) {
	switch o.Kind {
	case "", "none":
		return nil, nil
	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    o.JobName,
			Tags:       o.Tags,
			FlushEvery: o.FlushEvery,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "pushgateway":
		b, err := prompush.NewBackend(prompush.Options{
			URL:     o.PushgatewayURL,
			JobName: o.JobName,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q (want none, datadog or pushgateway)", o.Kind)
	}
}

// exitError carries an exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error  { return &exitError{code: exitUsage, err: err} }
func failedErr(err error) error { return &exitError{code: exitFailed, err: err} }

// run executes the command line and returns an exit code.
//
// Exit codes:
//   - 0: success, including chunked queries that returned partial data.
//   - 1: a query, batch item or sink write failed.
//   - 2: usage, configuration or input validation error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newBackend
	}

	root := newRootCmd(&d)
	root.SetArgs(args)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(d.Stderr, "mbq:", err)
	if errors.Is(err, api.ErrUnauthorized) {
		fmt.Fprintln(d.Stderr, "mbq: check --session or MBQ_SESSION")
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Unknown flags, missing arguments and the like come straight from cobra.
	return exitUsage
}
