package filters

import (
	"errors"
	"net/url"
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        map[string]any
		want      Map
		wantKey   string
		wantCount int
	}{
		{
			name: "nil",
			want: Map{},
		},
		{
			name:      "scalar and list",
			in:        map[string]any{"User ID": []int{1, 2, 3}, "State": "CA"},
			want:      Map{"user_id": {1, 2, 3}, "state": {"CA"}},
			wantKey:   "user_id",
			wantCount: 3,
		},
		{
			name:      "tie breaks on smallest key",
			in:        map[string]any{"b": []string{"x", "y"}, "a": []any{1.5, "z"}},
			want:      Map{"a": {1.5, "z"}, "b": {"x", "y"}},
			wantKey:   "a",
			wantCount: 2,
		},
		{
			name:      "array value",
			in:        map[string]any{"Id": [2]int64{4, 5}},
			want:      Map{"id": {int64(4), int64(5)}},
			wantKey:   "id",
			wantCount: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, key, count, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("Normalize()=%v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Normalize()=%v, want %v", got, tt.want)
			}
			if key != tt.wantKey || count != tt.wantCount {
				t.Fatalf("dominant=(%q,%d), want (%q,%d)", key, count, tt.wantKey, tt.wantCount)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	first, k1, c1, err := Normalize(map[string]any{"Order Date": "2020-01-01", "Product ID": []int{1, 2}})
	if err != nil {
		t.Fatalf("Normalize()=%v", err)
	}
	in := make(map[string]any, len(first))
	for k, v := range first {
		in[k] = v
	}
	second, k2, c2, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize(normalized)=%v", err)
	}
	if !reflect.DeepEqual(first, second) || k1 != k2 || c1 != c2 {
		t.Fatalf("not idempotent: %v/%q/%d vs %v/%q/%d", first, k1, c1, second, k2, c2)
	}
}

func TestNormalizeErrors(t *testing.T) {
	t.Parallel()

	if _, _, _, err := Normalize(map[string]any{"a": []string{}}); !errors.Is(err, ErrEmptyValues) {
		t.Fatalf("empty list err=%v, want ErrEmptyValues", err)
	}
	if _, _, _, err := Normalize(map[string]any{"A B": 1, "a_b": 2}); err == nil {
		t.Fatalf("colliding keys: want error")
	}
}

func TestMapHelpers(t *testing.T) {
	t.Parallel()

	base := FromValues(url.Values{"state": {"CA"}, "year": {"2020"}})
	merged := base.Merge(Map{"state": {"NY", "TX"}})
	if !reflect.DeepEqual(merged["state"], []any{"NY", "TX"}) || !reflect.DeepEqual(merged["year"], []any{"2020"}) {
		t.Fatalf("Merge()=%v", merged)
	}
	if !reflect.DeepEqual(base["state"], []any{"CA"}) {
		t.Fatalf("Merge mutated receiver: %v", base)
	}
	if got := merged.Unknown([]string{"year"}); !reflect.DeepEqual(got, []string{"state"}) {
		t.Fatalf("Unknown()=%v", got)
	}
}
