package query

import (
	"errors"
	"fmt"
	"strings"
)

// Parameter is one entry of the "parameters" list sent to Metabase.
type Parameter struct {
	Type   string `json:"type"`
	Value  any    `json:"value"`
	Target any    `json:"target"`

	// key is the filter name this parameter was built from.
	key string
}

// Key returns the filter name bound to p.
func (p Parameter) Key() string { return p.key }

func newParameter(key, typ string, target any, values []any) (Parameter, error) {
	v, err := coerceValue(typ, values)
	if err != nil {
		return Parameter{}, invalidf("filter %q: %v", key, err)
	}
	return Parameter{Type: typ, Value: v, Target: deepCopy(target), key: key}, nil
}

// coerceValue shapes values for a parameter type: numbers are parsed, dates
// collapse to their first value, everything else stays a list.
func coerceValue(typ string, values []any) (any, error) {
	var out any = append([]any(nil), values...)

	if strings.Contains(typ, "number") {
		nums := make([]float64, len(values))
		for i, v := range values {
			f, err := toFloat(v)
			if err != nil {
				return nil, fmt.Errorf("value %v is not a number", v)
			}
			nums[i] = f
		}
		out = nums
	}

	if strings.Contains(typ, "date") {
		if len(values) == 0 {
			return nil, errors.New("date parameter needs a value")
		}
		switch t := out.(type) {
		case []float64:
			out = t[0]
		case []any:
			out = t[0]
		}
	}
	return out, nil
}

func cloneParameters(ps []Parameter) []Parameter {
	if ps == nil {
		return nil
	}
	out := make([]Parameter, len(ps))
	for i, p := range ps {
		out[i] = Parameter{Type: p.Type, Value: deepCopy(p.Value), Target: deepCopy(p.Target), key: p.key}
	}
	return out
}
