// Package query turns classified Metabase URLs and raw SQL into executable
// export descriptors, and splits oversized filters into chunk plans.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"mbquery/internal/config"
)

// EndpointKind selects the export endpoint.
type EndpointKind string

const (
	EndpointCard    EndpointKind = "card"
	EndpointDataset EndpointKind = "dataset"
	EndpointSQL     EndpointKind = "sql"
)

// Descriptor is everything needed to issue one export request.
//
// Descriptors are not mutated once resolved; WithFilterValues returns a copy.
type Descriptor struct {
	Domain string
	Kind   EndpointKind

	CardID     int
	Parameters []Parameter

	// DatasetQuery is the request body for dataset and sql kinds.
	DatasetQuery map[string]any

	// Columns is the display-name order used to reproject JSON records.
	Columns []string

	// fieldIDs maps a dataset field name to its Metabase field id.
	fieldIDs map[string]any
}

// ExportURL returns the POST endpoint for format f.
func (d *Descriptor) ExportURL(f config.Format) string {
	origin := strings.TrimRight(d.Domain, "/")
	if d.Kind == EndpointCard {
		return fmt.Sprintf("%s/api/card/%d/query/%s", origin, d.CardID, f)
	}
	return fmt.Sprintf("%s/api/dataset/%s", origin, f)
}

// Form returns the form body: parameters=<json> for cards, query=<json>
// otherwise. SQL parameters are embedded into the query object.
func (d *Descriptor) Form() (url.Values, error) {
	if d.Kind == EndpointCard {
		params := d.Parameters
		if params == nil {
			params = []Parameter{}
		}
		b, err := marshalJSON(params)
		if err != nil {
			return nil, fmt.Errorf("encode parameters: %w", err)
		}
		return url.Values{"parameters": {string(b)}}, nil
	}

	body := make(map[string]any, len(d.DatasetQuery)+1)
	for k, v := range d.DatasetQuery {
		body[k] = v
	}
	if d.Kind == EndpointSQL && len(d.Parameters) > 0 {
		body["parameters"] = d.Parameters
	}
	b, err := marshalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return url.Values{"query": {string(b)}}, nil
}

// marshalJSON is json.Marshal without HTML escaping, so operators such as
// ">" reach Metabase as written.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	out := &Descriptor{
		Domain:       d.Domain,
		Kind:         d.Kind,
		CardID:       d.CardID,
		Parameters:   cloneParameters(d.Parameters),
		DatasetQuery: copyObject(d.DatasetQuery),
		Columns:      append([]string(nil), d.Columns...),
	}
	if d.fieldIDs != nil {
		out.fieldIDs = make(map[string]any, len(d.fieldIDs))
		for k, v := range d.fieldIDs {
			out.fieldIDs[k] = v
		}
	}
	return out
}

// FieldID returns the field id bound to a dataset filter name.
func (d *Descriptor) FieldID(name string) (any, bool) {
	id, ok := d.fieldIDs[name]
	return id, ok
}

// WithFilterValues returns a copy of d where the binding of filter key holds
// values. For cards and SQL the matching parameter is replaced using the same
// coercion; for datasets the equality clause on the key's field is replaced.
func (d *Descriptor) WithFilterValues(key string, values []any) (*Descriptor, error) {
	if len(values) == 0 {
		return nil, invalidf("filter %q: no values", key)
	}
	out := d.Clone()

	switch d.Kind {
	case EndpointCard, EndpointSQL:
		found := false
		for i, p := range out.Parameters {
			if p.key != key {
				continue
			}
			v, err := coerceValue(p.Type, values)
			if err != nil {
				return nil, invalidf("filter %q: %v", key, err)
			}
			out.Parameters[i].Value = v
			found = true
		}
		if !found {
			return nil, invalidf("filter %q is not bound to any parameter", key)
		}
	case EndpointDataset:
		id, ok := out.fieldIDs[key]
		if !ok {
			return nil, invalidf("filter %q is not bound to any field", key)
		}
		inner, ok := out.DatasetQuery["query"].(map[string]any)
		if !ok {
			return nil, invalidf("dataset query has no query object")
		}
		inner["filter"] = MergeClauses(inner["filter"], []any{equalityClause(id, values)}, []any{id})
	default:
		return nil, invalidf("unknown descriptor kind %q", d.Kind)
	}
	return out, nil
}
