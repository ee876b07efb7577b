package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// decodeJSONBody decodes a Metabase JSON export.
//
// An array yields records. An object with an "error" key yields its message
// and ok=false. Any other object is treated as a single record.
func decodeJSONBody(body []byte) (records []Record, errMsg string, isErr bool, err error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil, "", false, fmt.Errorf("json: empty body")
		}
		return nil, "", false, fmt.Errorf("json: read first token: %w", err)
	}

	switch tok {
	case json.Delim('['):
		records = []Record{}
		for dec.More() {
			t, err := dec.Token()
			if err != nil {
				return nil, "", false, fmt.Errorf("json: read row %d: %w", len(records), err)
			}
			rec, err := readRecord(dec, t)
			if err != nil {
				return nil, "", false, fmt.Errorf("json: row %d: %w", len(records), err)
			}
			records = append(records, rec)
		}
		if end, err := dec.Token(); err != nil {
			return nil, "", false, fmt.Errorf("json: read array end: %w", err)
		} else if end != json.Delim(']') {
			return nil, "", false, fmt.Errorf("json: expected array end ']', got %v", end)
		}
		return records, "", false, nil

	case json.Delim('{'):
		rec, err := readRecord(dec, tok)
		if err != nil {
			return nil, "", false, err
		}
		if v, ok := rec.Get("error"); ok {
			return nil, errorText(v), true, nil
		}
		return []Record{rec}, "", false, nil

	default:
		return nil, "", false, fmt.Errorf("json: unsupported root token %v (want object or array)", tok)
	}
}

// sniffDataError detects a JSON error object returned in place of csv/xlsx
// content. Both the "error": marker and a parseable object are required.
func sniffDataError(body []byte) (string, bool) {
	if !bytes.Contains(body, []byte(`"error":`)) {
		return "", false
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", false
	}
	v, ok := obj["error"]
	if !ok {
		return "", false
	}
	return errorText(v), true
}

func errorText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// readRecord reads an object whose opening '{' is tok.
func readRecord(dec *json.Decoder, tok json.Token) (Record, error) {
	if tok != json.Delim('{') {
		return Record{}, fmt.Errorf("json: expected object, got %v", tok)
	}
	var rec Record
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("json: read object key: %w", err)
		}
		k, ok := kt.(string)
		if !ok {
			return Record{}, fmt.Errorf("json: object key not string (got %T)", kt)
		}
		vt, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("json: read value of %q: %w", k, err)
		}
		v, err := materialize(dec, vt)
		if err != nil {
			return Record{}, err
		}
		rec.Set(k, v)
	}
	end, err := dec.Token()
	if err != nil {
		return Record{}, fmt.Errorf("json: read object end: %w", err)
	}
	if end != json.Delim('}') {
		return Record{}, fmt.Errorf("json: expected '}', got %v", end)
	}
	if rec.values == nil {
		rec.values = map[string]any{}
	}
	return rec, nil
}

// materialize builds a Go value for the current JSON value given its first
// token. Nested objects become plain maps; only rows keep their order.
func materialize(dec *json.Decoder, tok json.Token) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		m := make(map[string]any)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("json: nested object key not string (got %T)", kt)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object value: %w", err)
			}
			v, err := materialize(dec, vt)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("json: read nested object end: %w", err)
		}
		return m, nil
	case '[':
		arr := []any{}
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested array value: %w", err)
			}
			v, err := materialize(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("json: read nested array end: %w", err)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}
