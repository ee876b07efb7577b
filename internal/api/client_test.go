package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCard(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Metabase-Session"); got != "tok" {
			t.Errorf("session header=%q, want tok", got)
		}
		if r.URL.Path != "/api/card/42" {
			t.Errorf("path=%q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": 42,
			"result_metadata": [{"name":"ID","display_name":"Id"},{"name":"TOTAL","display_name":"Total"}],
			"parameters": [{"slug":"state","type":"string/=","target":["dimension",["field",7,null]]}],
			"dataset_query": {"type":"native","native":{"query":"select 1","template-tags":{"x":{"name":"x","type":"text"}}}}
		}`))
	}))
	defer srv.Close()

	c := New(Options{Session: "tok", MaxConnsPerHost: 1, Timeout: time.Second})
	card, err := c.Card(context.Background(), srv.URL, 42)
	if err != nil {
		t.Fatalf("Card()=%v", err)
	}
	if got := card.DisplayNames(); len(got) != 2 || got[1] != "Total" {
		t.Fatalf("DisplayNames()=%v", got)
	}
	if len(card.Parameters) != 1 || card.Parameters[0].Slug != "state" {
		t.Fatalf("Parameters=%+v", card.Parameters)
	}
	if tags := card.TemplateTags(); tags["x"].Type != "text" {
		t.Fatalf("TemplateTags()=%+v", tags)
	}
}

func TestMetadataErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		check  func(error) bool
	}{
		{status: http.StatusUnauthorized, check: func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{status: http.StatusNotFound, check: func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{status: http.StatusBadGateway, check: func(err error) bool {
			var he *HTTPError
			return errors.As(err, &he) && he.StatusCode == http.StatusBadGateway
		}},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(Options{Session: "tok"})
			_, err := c.TableMetadata(context.Background(), srv.URL, "12")
			if !tt.check(err) {
				t.Fatalf("TableMetadata() err=%v", err)
			}
		})
	}
}

func TestExport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded;charset=UTF-8" {
			t.Errorf("content type=%q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm()=%v", err)
		}
		if got := r.PostForm.Get("query"); got != `{"a":1}` {
			t.Errorf("query=%q", got)
		}
		_, _ = w.Write([]byte(`[{"a":1}]`))
	}))
	defer srv.Close()

	c := New(Options{Session: "tok"})
	resp, err := c.Export(context.Background(), srv.URL+"/api/dataset/json", url.Values{"query": {`{"a":1}`}})
	if err != nil {
		t.Fatalf("Export()=%v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != `[{"a":1}]` {
		t.Fatalf("Export()=%d %q", resp.StatusCode, resp.Body)
	}
	if resp.ResponseDur < resp.RequestDur {
		t.Fatalf("ResponseDur=%v < RequestDur=%v", resp.ResponseDur, resp.RequestDur)
	}
}

func TestExportHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := New(Options{Session: "tok"})
	resp, err := c.Export(context.Background(), srv.URL, url.Values{})
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("Export() err=%v, want *HTTPError", err)
	}
	if he.StatusCode != http.StatusTooManyRequests || he.RetryAfter != 3*time.Second {
		t.Fatalf("HTTPError=%+v", he)
	}
	if resp == nil || string(resp.Body) != "slow down" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestMaxConnsPerHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		http2 bool
	}{
		{name: "http1"},
		{name: "http2 tls", http2: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var inFlight, peak, h2 atomic.Int64
			srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.ProtoMajor == 2 {
					h2.Add(1)
				}
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				inFlight.Add(-1)
				_, _ = w.Write([]byte("[]"))
			}))
			if tt.http2 {
				srv.EnableHTTP2 = true
				srv.StartTLS()
			} else {
				srv.Start()
			}
			defer srv.Close()

			c := New(Options{Session: "tok", MaxConnsPerHost: 2})
			if tt.http2 {
				tr := c.http.Transport.(*http.Transport)
				tr.TLSClientConfig = srv.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
				tr.ForceAttemptHTTP2 = true
			}

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := c.Export(context.Background(), srv.URL, url.Values{}); err != nil {
						t.Errorf("Export()=%v", err)
					}
				}()
			}
			wg.Wait()

			if got := peak.Load(); got > 2 {
				t.Fatalf("peak concurrent requests=%d, want <= 2", got)
			}
			if tt.http2 && h2.Load() == 0 {
				t.Fatalf("no request used HTTP/2")
			}
		})
	}
}

func TestSlotWaitHonoursContext(t *testing.T) {
	t.Parallel()

	c := New(Options{Session: "tok", MaxConnsPerHost: 1})
	release, err := c.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire()=%v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Export(ctx, "http://127.0.0.1:1/never", url.Values{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Export() err=%v, want DeadlineExceeded while all slots are busy", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Duration
	}{
		{in: "", want: 0},
		{in: "5", want: 5 * time.Second},
		{in: "-1", want: 0},
		{in: "garbage", want: 0},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.in != "" {
			h.Set("Retry-After", tt.in)
		}
		if got := parseRetryAfter(h); got != tt.want {
			t.Fatalf("parseRetryAfter(%q)=%v, want %v", tt.in, got, tt.want)
		}
	}
}
