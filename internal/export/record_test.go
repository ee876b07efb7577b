package export

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestRecordKeepsOrder(t *testing.T) {
	t.Parallel()

	var r Record
	if err := json.Unmarshal([]byte(`{"z":1,"a":{"n":[1,2]},"m":null}`), &r); err != nil {
		t.Fatalf("Unmarshal()=%v", err)
	}
	if got, want := r.Keys(), []string{"z", "a", "m"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys()=%v, want %v", got, want)
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal()=%v", err)
	}
	if got, want := string(b), `{"z":1,"a":{"n":[1,2]},"m":null}`; got != want {
		t.Fatalf("Marshal()=%s, want %s", got, want)
	}

	r.Set("z", "again")
	if got := r.Keys(); got[0] != "z" || r.Len() != 3 {
		t.Fatalf("Set existing key moved it: %v", got)
	}
}

func TestRecordProject(t *testing.T) {
	t.Parallel()

	r := NewRecord("ID", 1, "Name", "x", "Extra", true)
	tests := []struct {
		name    string
		columns []string
		want    []string
	}{
		{name: "reorder", columns: []string{"Name", "ID"}, want: []string{"Name", "ID"}},
		{name: "skip unknown", columns: []string{"Gone", "Extra"}, want: []string{"Extra"}},
		{name: "none present", columns: []string{"Gone"}, want: []string{"ID", "Name", "Extra"}},
	}
	for _, tt := range tests {
		if got := r.Project(tt.columns).Keys(); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%s: Project()=%v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantN    int
		wantMsg  string
		wantIsEr bool
		wantErr  bool
	}{
		{name: "rows", body: `[{"a":1},{"a":2}]`, wantN: 2},
		{name: "empty array", body: `[]`, wantN: 0},
		{name: "error object", body: `{"error":"boom","via":[]}`, wantMsg: "boom", wantIsEr: true},
		{name: "structured error", body: `{"error":{"code":1}}`, wantMsg: `{"code":1}`, wantIsEr: true},
		{name: "single object", body: `{"a":1}`, wantN: 1},
		{name: "empty body", body: ``, wantErr: true},
		{name: "scalar root", body: `42`, wantErr: true},
		{name: "row not object", body: `[1]`, wantErr: true},
	}
	for _, tt := range tests {
		records, msg, isErr, err := decodeJSONBody([]byte(tt.body))
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err=%v, wantErr=%v", tt.name, err, tt.wantErr)
		}
		if err != nil {
			continue
		}
		if len(records) != tt.wantN || msg != tt.wantMsg || isErr != tt.wantIsEr {
			t.Fatalf("%s: got (%d, %q, %v), want (%d, %q, %v)", tt.name, len(records), msg, isErr, tt.wantN, tt.wantMsg, tt.wantIsEr)
		}
	}
}

func TestSniffDataError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body   string
		want   string
		wantOK bool
	}{
		{body: ` {"error":"Too many rows","status":"failed"}`, want: "Too many rows", wantOK: true},
		{body: "col\n\"{\"\"error\"\":1}\"\n"},
		{body: `{"status":"ok"}`},
		{body: `{"error": broken`},
		{body: "PK\x03\x04binary"},
	}
	for _, tt := range tests {
		got, ok := sniffDataError([]byte(tt.body))
		if ok != tt.wantOK || got != tt.want {
			t.Fatalf("sniffDataError(%q)=(%q, %v), want (%q, %v)", tt.body, got, ok, tt.want, tt.wantOK)
		}
	}
}
