package query

import (
	"fmt"

	"mbquery/internal/config"
	"mbquery/internal/filters"
)

// CheckChunkable fails when a filter with count values would need several
// chunks but f cannot be merged. It does no I/O, so callers run it before
// resolution.
func CheckChunkable(f config.Format, key string, count, chunkSize int) error {
	if chunkSize < 1 {
		return invalidf("filter chunk size must be >= 1, got %d", chunkSize)
	}
	if count > chunkSize && !f.Combinable() {
		return fmt.Errorf("%w: %w: only json and csv can be merged; filter %q has %d values (chunk size %d)",
			ErrInvalidInput, ErrUncombinableFormat, key, count, chunkSize)
	}
	return nil
}

// Split cuts values into contiguous slices of at most size elements.
func Split(values []any, size int) [][]any {
	if size < 1 || len(values) == 0 {
		return nil
	}
	out := make([][]any, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		out = append(out, values[start:end:end])
	}
	return out
}

// Plan returns one descriptor per chunk of the dominant filter key.
//
// When the filter fits in one chunk the plan is d itself.
func Plan(d *Descriptor, fm filters.Map, key string, chunkSize int, f config.Format) ([]*Descriptor, error) {
	values := fm[key]
	if err := CheckChunkable(f, key, len(values), chunkSize); err != nil {
		return nil, err
	}
	if len(values) <= chunkSize {
		return []*Descriptor{d}, nil
	}

	chunks := Split(values, chunkSize)
	plan := make([]*Descriptor, 0, len(chunks))
	for _, chunk := range chunks {
		cd, err := d.WithFilterValues(key, chunk)
		if err != nil {
			return nil, err
		}
		plan = append(plan, cd)
	}
	return plan, nil
}
