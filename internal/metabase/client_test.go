package metabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mbquery/internal/api"
	"mbquery/internal/config"
	"mbquery/internal/query"
)

const cardJSON = `{
  "id": 1,
  "name": "Orders",
  "result_metadata": [{"name":"b","display_name":"B"},{"name":"a","display_name":"A"}],
  "parameters": [{"id":"p1","slug":"state","type":"category","target":["dimension",["field",5,null]]}]
}`

// fakeMetabase serves one card and records export parameter values.
type fakeMetabase struct {
	hits    atomic.Int32
	exports atomic.Int32

	mu     sync.Mutex
	states [][]string

	// failState makes the export for a chunk containing it return 500.
	failState string
}

func (f *fakeMetabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if r.Header.Get("X-Metabase-Session") != "tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/card/1":
		fmt.Fprint(w, cardJSON)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/card/"):
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/card/1/query/"):
		f.exports.Add(1)
		var params []struct {
			Value []string `json:"value"`
		}
		if err := json.Unmarshal([]byte(r.PostFormValue("parameters")), &params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var states []string
		if len(params) > 0 {
			states = params[0].Value
		}
		f.mu.Lock()
		f.states = append(f.states, states)
		f.mu.Unlock()
		for _, s := range states {
			if s == f.failState {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}

		if strings.HasSuffix(r.URL.Path, "/csv") {
			fmt.Fprint(w, "A,B\n")
			for _, s := range states {
				fmt.Fprintf(w, "%s,1\n", s)
			}
			return
		}
		rows := make([]string, 0, len(states))
		for _, s := range states {
			rows = append(rows, fmt.Sprintf(`{"A":%q,"B":1,"Extra":0}`, s))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	case r.Method == http.MethodPost && r.URL.Path == "/api/dataset/json":
		f.exports.Add(1)
		var q map[string]any
		if err := json.Unmarshal([]byte(r.PostFormValue("query")), &q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		native, _ := q["native"].(map[string]any)
		fmt.Fprintf(w, `[{"sql":%q,"database":%v}]`, native["query"], q["database"])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testConfig(domain string) config.Config {
	cfg := config.Default()
	cfg.Session = "tok"
	cfg.Verbose = false
	cfg.RetryAttempts = 0
	cfg.Timeout = 10 * time.Second
	cfg.Domain = domain
	return cfg
}

func newTestClient(t *testing.T, mut func(*config.Config)) (*Client, *fakeMetabase, *httptest.Server) {
	t.Helper()
	fm := &fakeMetabase{}
	srv := httptest.NewServer(fm)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	if mut != nil {
		mut(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New()=%v", err)
	}
	return c, fm, srv
}

func recordsJSON(t *testing.T, res Result) string {
	t.Helper()
	b, err := json.Marshal(res.Payload.Records)
	if err != nil {
		t.Fatalf("Marshal()=%v", err)
	}
	return string(b)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(config.Default())
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("New()=%v, want ErrInvalidConfig", err)
	}
}

func TestQueryCard(t *testing.T) {
	t.Parallel()

	c, fm, srv := newTestClient(t, nil)
	res, err := c.Query(context.Background(), srv.URL+"/question/1-orders?state=CA", nil, "JSON")
	if err != nil {
		t.Fatalf("Query()=%v", err)
	}
	if got, want := recordsJSON(t, res), `[{"B":1,"A":"CA"}]`; got != want {
		t.Fatalf("records=%s, want %s", got, want)
	}
	if res.Format != config.FormatJSON || res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result=%+v", res)
	}
	if fm.exports.Load() != 1 {
		t.Fatalf("exports=%d, want 1", fm.exports.Load())
	}
}

func TestQueryChunksAndMerges(t *testing.T) {
	t.Parallel()

	c, fm, srv := newTestClient(t, func(cfg *config.Config) { cfg.FilterChunkSize = 2 })
	res, err := c.Query(context.Background(), srv.URL+"/question/1",
		map[string]any{"State": []string{"a", "b", "c", "d", "e"}}, "json")
	if err != nil {
		t.Fatalf("Query()=%v", err)
	}
	if got := fm.exports.Load(); got != 3 {
		t.Fatalf("exports=%d, want 3", got)
	}
	var got []string
	for _, r := range res.Payload.Records {
		v, _ := r.Get("A")
		got = append(got, v.(string))
	}
	if strings.Join(got, "") != "abcde" {
		t.Fatalf("merged order=%v, want a..e", got)
	}
}

func TestQueryPartialFailure(t *testing.T) {
	t.Parallel()

	c, fm, srv := newTestClient(t, func(cfg *config.Config) { cfg.FilterChunkSize = 2 })
	fm.failState = "c"

	res, err := c.Query(context.Background(), srv.URL+"/question/1",
		map[string]any{"state": []string{"a", "b", "c", "d", "e"}}, "csv")
	if err != nil {
		t.Fatalf("Query()=%v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("succeeded=%d failed=%d", res.Succeeded, res.Failed)
	}
	if got, want := string(res.Payload.Raw), "A,B\na,1\nb,1\ne,1"; got != want {
		t.Fatalf("csv=%q, want %q", got, want)
	}
}

func TestQueryUnchunkedErrorIsReturned(t *testing.T) {
	t.Parallel()

	c, fm, srv := newTestClient(t, nil)
	fm.failState = "x"

	_, err := c.Query(context.Background(), srv.URL+"/question/1", map[string]any{"state": "x"}, "json")
	var he *api.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Query()=%v, want HTTP 500", err)
	}
}

func TestQueryUncombinableFormatBeforeAnyRequest(t *testing.T) {
	t.Parallel()

	c, fm, srv := newTestClient(t, func(cfg *config.Config) { cfg.FilterChunkSize = 2 })
	_, err := c.Query(context.Background(), srv.URL+"/question/1",
		map[string]any{"state": []string{"a", "b", "c"}}, "xlsx")
	if !errors.Is(err, query.ErrUncombinableFormat) || !errors.Is(err, query.ErrInvalidInput) {
		t.Fatalf("Query()=%v, want ErrUncombinableFormat", err)
	}
	if got := fm.hits.Load(); got != 0 {
		t.Fatalf("hits=%d, want 0", got)
	}
}

func TestQueryInputErrors(t *testing.T) {
	t.Parallel()

	c, fm, srv := newTestClient(t, nil)
	tests := []struct {
		name    string
		url     string
		filters map[string]any
		format  string
		want    error
	}{
		{name: "format", url: srv.URL + "/question/1", format: "pdf", want: config.ErrUnsupportedFormat},
		{name: "malformed url", url: srv.URL + "/dashboard/3", format: "json", want: query.ErrInvalidInput},
		{name: "empty filter", url: srv.URL + "/question/1", filters: map[string]any{"state": []string{}}, format: "json", want: query.ErrInvalidInput},
	}
	for _, tt := range tests {
		if _, err := c.Query(context.Background(), tt.url, tt.filters, tt.format); !errors.Is(err, tt.want) {
			t.Fatalf("%s: Query()=%v, want %v", tt.name, err, tt.want)
		}
	}
	if got := fm.hits.Load(); got != 0 {
		t.Fatalf("hits=%d, want 0", got)
	}
}

func TestQueryResolveErrors(t *testing.T) {
	t.Parallel()

	c, _, srv := newTestClient(t, nil)
	if _, err := c.Query(context.Background(), srv.URL+"/question/1", map[string]any{"city": "x"}, "json"); !errors.Is(err, query.ErrInvalidInput) {
		t.Fatalf("unknown filter: err=%v", err)
	}
	if _, err := c.Query(context.Background(), srv.URL+"/question/99", nil, "json"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("missing card: err=%v", err)
	}

	bad, err := New(func() config.Config { cfg := testConfig(srv.URL); cfg.Session = "nope"; return cfg }())
	if err != nil {
		t.Fatalf("New()=%v", err)
	}
	if _, err := bad.Query(context.Background(), srv.URL+"/question/1", nil, "json"); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("bad session: err=%v", err)
	}
}

func TestSQL(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestClient(t, nil)
	res, err := c.SQL(context.Background(), "select 1", "3-warehouse", "json")
	if err != nil {
		t.Fatalf("SQL()=%v", err)
	}
	if got, want := recordsJSON(t, res), `[{"sql":"select 1","database":3}]`; got != want {
		t.Fatalf("records=%s, want %s", got, want)
	}

	noDomain, _ := New(testConfig(""))
	if _, err := noDomain.SQL(context.Background(), "select 1", 1, "json"); !errors.Is(err, query.ErrMissingDomain) {
		t.Fatalf("SQL() without domain=%v, want ErrMissingDomain", err)
	}
}

func TestQueryMany(t *testing.T) {
	t.Parallel()

	c, _, srv := newTestClient(t, nil)
	card := srv.URL + "/question/1"

	results, err := c.QueryMany(context.Background(), []string{card},
		[]map[string]any{{"state": "a"}, {"city": "nope"}, {"state": "b"}}, "json")
	if err != nil {
		t.Fatalf("QueryMany()=%v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len=%d, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil || results[1].Err == nil {
		t.Fatalf("errs=%v/%v/%v", results[0].Err, results[1].Err, results[2].Err)
	}
	if v, _ := results[2].Payload.Records[0].Get("A"); v != "b" {
		t.Fatalf("results[2] A=%v, want b", v)
	}
	if results[1].Filters["city"] != "nope" || results[1].Target != card {
		t.Fatalf("results[1] input not kept: %+v", results[1])
	}

	_, err = c.QueryMany(context.Background(), []string{card, card}, []map[string]any{{"state": "a"}}, "json")
	if !errors.Is(err, ErrBatchShape) {
		t.Fatalf("QueryMany(2 urls, 1 set)=%v, want ErrBatchShape", err)
	}
}

func TestSQLBatch(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestClient(t, nil)
	results, err := c.SQLBatch(context.Background(), []string{"select 1", "select 2"}, []any{7}, "json")
	if err != nil {
		t.Fatalf("SQLBatch()=%v", err)
	}
	for i, r := range results {
		if r.Err != nil || len(r.Payload.Records) != 1 {
			t.Fatalf("results[%d]=%+v", i, r)
		}
	}

	for _, tc := range []struct {
		sqls []string
		dbs  []any
	}{
		{sqls: []string{"select 1"}, dbs: []any{1, 2}},
		{sqls: []string{"a", "b", "c"}, dbs: []any{1, 2}},
		{sqls: nil, dbs: []any{1}},
	} {
		if _, err := c.SQLBatch(context.Background(), tc.sqls, tc.dbs, "json"); !errors.Is(err, ErrBatchShape) {
			t.Fatalf("SQLBatch(%v, %v)=%v, want ErrBatchShape", tc.sqls, tc.dbs, err)
		}
	}
}
