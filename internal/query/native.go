package query

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"mbquery/internal/filters"
	"mbquery/internal/locator"
)

var (
	hasScheme    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	databaseSlug = regexp.MustCompile(`^(\d+)(-.*)?$`)
)

// NormalizeDomain prefixes https:// when domain has no scheme and drops a
// trailing slash.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSpace(domain)
	if d == "" {
		return "", ErrMissingDomain
	}
	if !hasScheme.MatchString(d) {
		d = "https://" + d
	}
	return strings.TrimRight(d, "/"), nil
}

// DatabaseID accepts an integer or a "<id>-<slug>" string as copied from the
// Metabase browser URL.
func DatabaseID(database any) (int, error) {
	bad := invalidf("database %v is not valid; copy the database id or slug from the browser", database)
	switch t := database.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, bad
		}
		return int(n), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, bad
		}
		return int(t), nil
	case string:
		m := databaseSlug.FindStringSubmatch(strings.TrimSpace(t))
		if m == nil {
			return 0, bad
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, bad
		}
		return n, nil
	default:
		return 0, bad
	}
}

// ResolveSQL builds a native descriptor for raw SQL text. Filters are not
// supported for raw SQL.
func ResolveSQL(domain, sql string, database any) (*Descriptor, error) {
	origin, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sql) == "" {
		return nil, invalidf("sql is empty")
	}
	id, err := DatabaseID(database)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		Domain: origin,
		Kind:   EndpointSQL,
		DatasetQuery: map[string]any{
			"database": id,
			"native":   map[string]any{"query": sql},
			"type":     "native",
		},
	}, nil
}

// ResolveNativeURL builds a descriptor for a native SQL URL. It needs no
// metadata: parameter slots come from the fragment itself.
func ResolveNativeURL(loc locator.Locator, fm filters.Map) (*Descriptor, error) {
	if loc.Kind != locator.KindNative {
		return nil, invalidf("not a native query url: %s", loc.Raw)
	}
	d := &Descriptor{
		Domain:       loc.Origin,
		Kind:         EndpointSQL,
		DatasetQuery: copyObject(loc.DatasetQuery()),
	}

	declared := loc.DeclaredParameters()
	if len(declared) == 0 {
		if len(fm) > 0 {
			return nil, invalidf("unsupported filters for this query: %s", strings.Join(fm.Keys(), ", "))
		}
		return d, nil
	}

	type slot struct {
		typ    string
		target any
	}
	slots := make(map[string]slot, len(declared))
	names := make([]string, 0, len(declared))
	for _, raw := range declared {
		p, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		slug, _ := p["slug"].(string)
		if slug == "" {
			continue
		}
		typ, _ := p["type"].(string)
		slots[slug] = slot{typ: typ, target: p["target"]}
		names = append(names, slug)
	}

	merged := filters.FromValues(loc.Query).Merge(fm)
	if unknown := fm.Unknown(names); len(unknown) > 0 {
		return nil, unavailableFilters(unknown, names)
	}
	for _, key := range merged.Keys() {
		s, ok := slots[key]
		if !ok {
			// Unrelated query-string keys are left alone.
			continue
		}
		p, err := newParameter(key, s.typ, s.target, merged[key])
		if err != nil {
			return nil, err
		}
		d.Parameters = append(d.Parameters, p)
	}
	return d, nil
}
