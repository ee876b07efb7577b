// Package config holds the client configuration shared by the library and the
// mbq command.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidConfig wraps every error returned by Check.
var ErrInvalidConfig = errors.New("invalid config")

// Config controls how a Metabase client authenticates, retries and fans out.
//
// Zero values are not defaults; start from Default() and override.
type Config struct {
	// Session is the X-Metabase-Session token. Required.
	Session string `json:"session" mapstructure:"session"`

	// RetryErrors are case-insensitive patterns matched against data errors
	// returned in an export body. A data error matching none of them is
	// fatal after one attempt. An empty list matches any message, so every
	// data error is retried; configure at least one pattern to make
	// unmatched data errors fatal.
	RetryErrors []string `json:"retry_errors" mapstructure:"retry_errors"`

	// RetryAttempts is the total number of export attempts. 0 means a single
	// attempt with no retry.
	RetryAttempts int `json:"retry_attempts" mapstructure:"retry_attempts"`

	// LimitPerHost caps concurrent requests to the Metabase host, HTTP/2
	// streams included.
	LimitPerHost int `json:"limit_per_host" mapstructure:"limit_per_host"`

	// Timeout bounds one logical call (metadata, every chunk and every retry).
	// Config files and MBQ_TIMEOUT may give plain seconds; see
	// SecondsDurationHook.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	Verbose bool `json:"verbose" mapstructure:"verbose"`

	// Domain is the Metabase origin used for raw SQL queries.
	Domain string `json:"domain" mapstructure:"domain"`

	// FilterChunkSize is the max number of values of one filter per request.
	FilterChunkSize int `json:"filter_chunk_size" mapstructure:"filter_chunk_size"`

	RetryBackoff    time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
	RetryMaxBackoff time.Duration `json:"retry_max_backoff" mapstructure:"retry_max_backoff"`

	// RateLimit caps export attempts per second across a call. 0 disables it.
	RateLimit float64 `json:"rate_limit" mapstructure:"rate_limit"`

	// JobName tags metrics emitted by the client.
	JobName string `json:"job_name" mapstructure:"job_name"`
}

// Default returns the configuration used when nothing is overridden.
// Session is left empty and must be provided.
func Default() Config {
	return Config{
		RetryAttempts:   3,
		LimitPerHost:    5,
		Timeout:         600 * time.Second,
		Verbose:         true,
		FilterChunkSize: 5000,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
		JobName:         "mbq",
	}
}

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the config field name.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Validate reports every problem found in c. It never stops at the first one.
func (c Config) Validate() []Issue {
	var issues []Issue
	errorf := func(path, format string, args ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Session) == "" {
		errorf("session", "session token is required")
	}
	if c.RetryAttempts < 0 {
		errorf("retry_attempts", "must be >= 0, got %d", c.RetryAttempts)
	}
	if c.LimitPerHost < 1 {
		errorf("limit_per_host", "must be >= 1, got %d", c.LimitPerHost)
	}
	if c.Timeout <= 0 {
		errorf("timeout", "must be > 0, got %s", c.Timeout)
	}
	if c.FilterChunkSize < 1 {
		errorf("filter_chunk_size", "must be >= 1, got %d", c.FilterChunkSize)
	}
	if c.RetryBackoff < 0 {
		errorf("retry_backoff", "must be >= 0, got %s", c.RetryBackoff)
	}
	if c.RetryMaxBackoff < c.RetryBackoff {
		errorf("retry_max_backoff", "must be >= retry_backoff (%s), got %s", c.RetryBackoff, c.RetryMaxBackoff)
	}
	if c.RateLimit < 0 {
		errorf("rate_limit", "must be >= 0, got %g", c.RateLimit)
	}
	for i, p := range c.RetryErrors {
		path := fmt.Sprintf("retry_errors[%d]", i)
		if strings.TrimSpace(p) == "" {
			warnf(path, "empty pattern matches every error")
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			warnf(path, "not a valid regular expression, matched as plain text")
		}
	}
	if c.Domain != "" && strings.ContainsAny(c.Domain, " \t") {
		errorf("domain", "must not contain whitespace")
	}
	return issues
}

// Check returns nil when Validate reports no error-severity issue.
// Warnings never fail Check.
func (c Config) Check() error {
	var msgs []string
	for _, is := range c.Validate() {
		if is.Severity == SeverityError {
			msgs = append(msgs, is.Path+": "+is.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
