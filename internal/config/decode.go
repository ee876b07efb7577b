package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

var durationType = reflect.TypeOf(time.Duration(0))

// SecondsDurationHook decodes durations given as plain numbers as seconds,
// so "timeout: 600" and MBQ_TIMEOUT=600 mean ten minutes. Strings with a
// unit ("90s", "10m") are parsed with time.ParseDuration.
func SecondsDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case uint64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return secondsToDuration(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("duration %q: %w", v, err)
			}
			return secondsToDuration(f), nil
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return time.Duration(0), nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return secondsToDuration(f), nil
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("duration %q: want seconds or a value like 90s: %w", v, err)
			}
			return d, nil
		default:
			return data, nil
		}
	}
}

func secondsToDuration(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
