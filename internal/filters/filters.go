// Package filters normalizes user supplied filter overrides.
package filters

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

// ErrEmptyValues is returned when a filter is given an empty list.
var ErrEmptyValues = errors.New("filter has no values")

// Map is a normalized filter set: lower_snake name to a non-empty value list.
type Map map[string][]any

// NormalizeName lower-cases name and replaces spaces with underscores.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// Normalize canonicalizes in and returns the filter with the most values.
//
// Scalars become one-element lists and slices are flattened to []any. Ties on
// the value count go to the lexicographically smallest name. A nil or empty
// input yields an empty Map, "" and 0.
func Normalize(in map[string]any) (Map, string, int, error) {
	out := make(Map, len(in))
	origin := make(map[string]string, len(in))

	// Sorted input keys keep collision errors stable.
	names := make([]string, 0, len(in))
	for k := range in {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		key := NormalizeName(k)
		if prev, dup := origin[key]; dup {
			return nil, "", 0, fmt.Errorf("filters %q and %q both normalize to %q", prev, k, key)
		}
		vals := toList(in[k])
		if len(vals) == 0 {
			return nil, "", 0, fmt.Errorf("%w: %q", ErrEmptyValues, k)
		}
		origin[key] = k
		out[key] = vals
	}

	key, count := out.Dominant()
	return out, key, count, nil
}

// Dominant returns the name with the most values and its count.
func (m Map) Dominant() (string, int) {
	best, count := "", 0
	for _, k := range m.Keys() {
		if n := len(m[k]); n > count {
			best, count = k, n
		}
	}
	return best, count
}

// Keys returns the filter names in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies the map and its value lists.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = append([]any(nil), v...)
	}
	return out
}

// Merge returns a copy of m with every key of over replacing m's entry.
func (m Map) Merge(over Map) Map {
	out := m.Clone()
	for k, v := range over {
		out[k] = append([]any(nil), v...)
	}
	return out
}

// Unknown returns the keys of m missing from allowed, sorted.
func (m Map) Unknown(allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	var out []string
	for _, k := range m.Keys() {
		if _, ok := set[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// FromValues converts URL query values. Keys are kept as-is: Metabase writes
// parameter slugs into the query string.
func FromValues(v url.Values) Map {
	out := make(Map, len(v))
	for k, vs := range v {
		if len(vs) == 0 {
			continue
		}
		list := make([]any, len(vs))
		for i, s := range vs {
			list[i] = s
		}
		out[k] = list
	}
	return out
}

func toList(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{nil}
	case []any:
		return append([]any(nil), t...)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []byte:
		return []any{string(t)}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}
