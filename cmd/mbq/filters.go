package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// parseFilters merges --filters JSON with repeated --filter name=v1,v2
// flags. Flags win over JSON keys with the same name; repeating a flag name
// appends values.
func parseFilters(args []string, rawJSON string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		obj, err := decodeObject([]byte(rawJSON))
		if err != nil {
			return nil, fmt.Errorf("--filters: %w", err)
		}
		out = obj
	}

	fromFlags := map[string][]any{}
	var order []string
	for _, arg := range args {
		name, values, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("--filter %q: want name=value[,value...]", arg)
		}
		if _, seen := fromFlags[name]; !seen {
			order = append(order, name)
		}
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				fromFlags[name] = append(fromFlags[name], v)
			}
		}
		if fromFlags[name] == nil {
			fromFlags[name] = []any{}
		}
	}
	for _, name := range order {
		out[name] = fromFlags[name]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// readFilterSets reads a JSON array of filter objects.
func readFilterSets(path string) ([]map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var sets []map[string]any
	if err := dec.Decode(&sets); err != nil {
		return nil, fmt.Errorf("%s: want a JSON array of objects: %w", path, err)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%s: no filter sets", path)
	}
	return sets, nil
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("want a JSON object: %w", err)
	}
	return obj, nil
}
