// Package api is the HTTP transport to a Metabase instance: metadata lookups
// and export POSTs, authenticated with a session token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	sessionHeader = "X-Metabase-Session"
	formMediaType = "application/x-www-form-urlencoded;charset=UTF-8"
)

var (
	// ErrUnauthorized is returned when Metabase rejects the session token.
	ErrUnauthorized = errors.New("session is not valid")

	// ErrNotFound is returned when a question or table does not exist or is
	// not visible to the session.
	ErrNotFound = errors.New("not found")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("metabase: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("metabase: HTTP %d: %s", e.StatusCode, body)
}

// Options configures a Client.
type Options struct {
	Session string

	// MaxConnsPerHost caps in-flight requests of the Client; excess requests
	// wait for a free slot. HTTP/2 multiplexes one connection, so the
	// transport limit alone does not bound them. 0 means unlimited.
	MaxConnsPerHost int

	// Timeout is the per-request timeout. 0 disables it.
	Timeout time.Duration
}

// Client talks to one or more Metabase hosts with one session token.
// It is safe for concurrent use.
type Client struct {
	session string
	http    *http.Client
	slots   *semaphore.Weighted
}

// New builds a Client with its own transport so that the per-host limit is
// scoped to the Client.
func New(opts Options) *Client {
	c := &Client{
		session: opts.Session,
		http:    newHTTPClient(opts.Timeout, opts.MaxConnsPerHost),
	}
	if opts.MaxConnsPerHost > 0 {
		c.slots = semaphore.NewWeighted(int64(opts.MaxConnsPerHost))
	}
	return c
}

// acquire waits for a request slot. The returned func releases it.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if c.slots == nil {
		return func() {}, nil
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { c.slots.Release(1) }, nil
}

func newHTTPClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	idlePerHost := 64
	if maxConnsPerHost > 0 && maxConnsPerHost < idlePerHost {
		idlePerHost = maxConnsPerHost
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: idlePerHost,
		MaxConnsPerHost:     maxConnsPerHost,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// Card fetches GET /api/card/<id>.
func (c *Client) Card(ctx context.Context, origin string, id int) (*Card, error) {
	var card Card
	u := fmt.Sprintf("%s/api/card/%d", strings.TrimRight(origin, "/"), id)
	if err := c.getJSON(ctx, u, "question does not exist or you do not have permission", &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// TableMetadata fetches GET /api/table/<id>/query_metadata.
func (c *Client) TableMetadata(ctx context.Context, origin string, tableID string) (*Table, error) {
	var table Table
	u := fmt.Sprintf("%s/api/table/%s/query_metadata", strings.TrimRight(origin, "/"), url.PathEscape(tableID))
	if err := c.getJSON(ctx, u, "table does not exist or you do not have permission", &table); err != nil {
		return nil, err
	}
	return &table, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL, notFound string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, c.session)
	req.Header.Set("Accept", "application/json")

	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s", ErrNotFound, notFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body), RetryAfter: parseRetryAfter(resp.Header)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// Response is a completed export round trip.
type Response struct {
	StatusCode int
	Body       []byte

	// RequestDur is the time until response headers arrived, ResponseDur the
	// time until the body was fully read.
	RequestDur  time.Duration
	ResponseDur time.Duration
}

// Export POSTs form to exportURL and reads the whole body.
//
// A non-2xx status returns the Response together with an *HTTPError.
func (c *Client) Export(ctx context.Context, exportURL string, form url.Values) (*Response, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, exportURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set(sessionHeader, c.session)
	req.Header.Set("Content-Type", formMediaType)

	release, err := c.acquire(ctx)
	if err != nil {
		return &Response{RequestDur: time.Since(start)}, err
	}
	defer release()

	resp, err := c.http.Do(req)
	if err != nil {
		return &Response{RequestDur: time.Since(start)}, err
	}
	defer resp.Body.Close()

	out := &Response{StatusCode: resp.StatusCode, RequestDur: time.Since(start)}

	var buf bytes.Buffer
	_, err = io.Copy(&buf, resp.Body)
	out.Body = buf.Bytes()
	out.ResponseDur = time.Since(start)
	if err != nil {
		return out, fmt.Errorf("read export body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(out.Body),
			RetryAfter: parseRetryAfter(resp.Header),
		}
	}
	return out, nil
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
