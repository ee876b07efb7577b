package export

import (
	"bytes"
	"encoding/json"
)

// Record is one JSON row with its key order preserved.
type Record struct {
	keys   []string
	values map[string]any
}

// NewRecord builds a Record from alternating key, value pairs.
func NewRecord(kv ...any) Record {
	var r Record
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		r.Set(k, kv[i+1])
	}
	return r
}

// Set appends k or replaces its value in place.
func (r *Record) Set(k string, v any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, ok := r.values[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.values[k] = v
}

// Get returns the value for k.
func (r Record) Get(k string) (any, bool) {
	v, ok := r.values[k]
	return v, ok
}

// Keys returns the keys in order.
func (r Record) Keys() []string { return append([]string(nil), r.keys...) }

func (r Record) Len() int { return len(r.keys) }

// Map returns an unordered copy.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Project keeps the listed columns in the listed order. Missing columns are
// skipped. When none of the columns is present r is returned unchanged.
func (r Record) Project(columns []string) Record {
	var out Record
	for _, c := range columns {
		if v, ok := r.values[c]; ok {
			out.Set(c, v)
		}
	}
	if out.Len() == 0 {
		return r
	}
	return out
}

// MarshalJSON writes the keys in order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := encodeValue(&buf, r.values[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeValue appends v without HTML escaping and without the encoder's
// trailing newline.
func encodeValue(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

// UnmarshalJSON reads one object keeping key order.
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	rec, err := readRecord(dec, tok)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}
