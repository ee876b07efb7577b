package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TextValue converts an exported cell to the text stored in a sink.
//
// nil stays nil so it lands as NULL. Nested objects and arrays are stored as
// compact JSON.
func TextValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case []byte:
		return string(t)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
