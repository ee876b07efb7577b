package storage

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"mbquery/internal/export"
)

type memSink struct {
	created map[string][]string
	batches [][][]any
	failAt  int
}

func (m *memSink) Close() {}

func (m *memSink) EnsureTable(ctx context.Context, table string, columns []string) error {
	if m.created == nil {
		m.created = map[string][]string{}
	}
	m.created[table] = columns
	return nil
}

func (m *memSink) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if m.failAt > 0 && len(m.batches)+1 == m.failAt {
		return 0, errors.New("disk full")
	}
	cp := make([][]any, len(rows))
	copy(cp, rows)
	m.batches = append(m.batches, cp)
	return int64(len(rows)), nil
}

func TestLoad(t *testing.T) {
	t.Parallel()

	records := []export.Record{
		export.NewRecord("id", json.Number("1"), "tags", []any{"a"}),
		export.NewRecord("id", json.Number("2"), "name", "x"),
		export.NewRecord("name", "y", "id", 3.5),
	}
	sink := &memSink{}
	n, err := Load(context.Background(), sink, "t", records, 2)
	if err != nil {
		t.Fatalf("Load()=%v", err)
	}
	if n != 3 {
		t.Fatalf("n=%d, want 3", n)
	}
	if got, want := sink.created["t"], []string{"id", "tags", "name"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("columns=%v, want %v", got, want)
	}
	if len(sink.batches) != 2 {
		t.Fatalf("batches=%d, want 2", len(sink.batches))
	}
	if got, want := sink.batches[0][0], []any{"1", `["a"]`, nil}; !reflect.DeepEqual(got, want) {
		t.Fatalf("row0=%v, want %v", got, want)
	}
	if got, want := sink.batches[1][0], []any{"3.5", nil, "y"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("row2=%v, want %v", got, want)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	if _, err := Load(context.Background(), &memSink{}, " ", []export.Record{export.NewRecord("a", 1)}, 1); err == nil {
		t.Fatalf("expected error for empty table")
	}
	n, err := Load(context.Background(), &memSink{failAt: 2}, "t",
		[]export.Record{export.NewRecord("a", 1), export.NewRecord("a", 2), export.NewRecord("a", 3)}, 1)
	if err == nil || n != 1 {
		t.Fatalf("Load()=(%d, %v), want (1, error)", n, err)
	}
	if n, err := Load(context.Background(), &memSink{}, "t", nil, 1); n != 0 || err != nil {
		t.Fatalf("Load(nil)=(%d, %v)", n, err)
	}
}

func TestSplitRows(t *testing.T) {
	t.Parallel()

	rows := make([][]any, 7)
	parts := SplitRows(rows, 3, 10)
	if len(parts) != 3 || len(parts[0]) != 3 || len(parts[2]) != 1 {
		t.Fatalf("parts=%d", len(parts))
	}
	if got := SplitRows(rows, 50, 10); len(got) != 7 {
		t.Fatalf("wide rows: parts=%d, want 7", len(got))
	}
}

func TestTextValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"x", "x"},
		{json.Number("12.50"), "12.50"},
		{true, "true"},
		{float64(3), "3"},
		{int64(-4), "-4"},
		{map[string]any{"k": 1}, `{"k":1}`},
	}
	for _, tt := range tests {
		if got := TextValue(tt.in); got != tt.want {
			t.Fatalf("TextValue(%v)=%v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := New(context.Background(), Config{Kind: "oracle"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
