package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mbquery/internal/config"
	"mbquery/internal/export"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := export.Payload{Format: config.FormatJSON, Records: []export.Record{
		export.NewRecord("b", json.Number("1"), "a", "<x>"),
	}}
	if err := Write(&buf, p); err != nil {
		t.Fatalf("Write()=%v", err)
	}
	want := "[\n  {\n    \"b\": 1,\n    \"a\": \"<x>\"\n  }\n]\n"
	if buf.String() != want {
		t.Fatalf("Write()=%q, want %q", buf.String(), want)
	}

	buf.Reset()
	if err := Write(&buf, export.Payload{Format: config.FormatJSON}); err != nil || buf.String() != "[]\n" {
		t.Fatalf("empty json=%q err=%v", buf.String(), err)
	}
}

func TestWriteRaw(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    export.Payload
		want string
	}{
		{name: "csv gets newline", p: export.Payload{Format: config.FormatCSV, Raw: []byte("a\n1")}, want: "a\n1\n"},
		{name: "csv kept", p: export.Payload{Format: config.FormatCSV, Raw: []byte("a\n1\n")}, want: "a\n1\n"},
		{name: "xlsx verbatim", p: export.Payload{Format: config.FormatXLSX, Raw: []byte("PK\x03\x04")}, want: "PK\x03\x04"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := Write(&buf, tt.p); err != nil {
			t.Fatalf("%s: Write()=%v", tt.name, err)
		}
		if buf.String() != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, buf.String(), tt.want)
		}
	}
}

func TestWriteTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := export.Payload{Format: config.FormatJSON, Records: []export.Record{
		export.NewRecord("State", "CA", "Total", json.Number("12")),
		export.NewRecord("State", "NY", "Note", []any{"x"}),
	}}
	if err := WriteTable(&buf, p); err != nil {
		t.Fatalf("WriteTable()=%v", err)
	}
	out := buf.String()
	for _, want := range []string{"STATE", "TOTAL", "NOTE", "CA", "12", `["x"]`} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := WriteTable(&buf, export.Payload{Format: config.FormatCSV, Raw: []byte("id,name\n1,\"a,b\"\n")}); err != nil {
		t.Fatalf("WriteTable(csv)=%v", err)
	}
	if !strings.Contains(buf.String(), "a,b") {
		t.Fatalf("csv table:\n%s", buf.String())
	}

	if err := WriteTable(&buf, export.Payload{Format: config.FormatXLSX}); !errors.Is(err, ErrNotTabular) {
		t.Fatalf("WriteTable(xlsx)=%v, want ErrNotTabular", err)
	}
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")
	if err := WriteFile(path, export.Payload{Format: config.FormatCSV, Raw: []byte("a")}, false); err != nil {
		t.Fatalf("WriteFile()=%v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "a\n" {
		t.Fatalf("file=%q err=%v", b, err)
	}
}
