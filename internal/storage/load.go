// Package storage loads exported JSON records into SQL tables through
// pluggable backends.
package storage

import (
	"context"
	"fmt"
	"strings"

	"mbquery/internal/export"
)

// DefaultBatchSize is the number of rows handed to InsertRows at once.
const DefaultBatchSize = 500

// Columns returns the union of record keys in first-seen order.
func Columns(records []export.Record) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range records {
		for _, k := range r.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	return cols
}

// Load creates table when needed and inserts records in batches. Missing
// keys become NULL. It returns the number of rows inserted.
func Load(ctx context.Context, sink Sink, table string, records []export.Record, batch int) (int64, error) {
	if strings.TrimSpace(table) == "" {
		return 0, fmt.Errorf("storage: table name is empty")
	}
	if len(records) == 0 {
		return 0, nil
	}
	if batch < 1 {
		batch = DefaultBatchSize
	}

	columns := Columns(records)
	if err := sink.EnsureTable(ctx, table, columns); err != nil {
		return 0, fmt.Errorf("ensure table %s: %w", table, err)
	}

	var total int64
	rows := make([][]any, 0, batch)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		n, err := sink.InsertRows(ctx, table, columns, rows)
		total += n
		rows = rows[:0]
		return err
	}

	for _, r := range records {
		row := make([]any, len(columns))
		for i, c := range columns {
			v, _ := r.Get(c)
			row[i] = TextValue(v)
		}
		rows = append(rows, row)
		if len(rows) == batch {
			if err := flush(); err != nil {
				return total, fmt.Errorf("insert into %s: %w", table, err)
			}
		}
	}
	if err := flush(); err != nil {
		return total, fmt.Errorf("insert into %s: %w", table, err)
	}
	return total, nil
}

// SplitRows cuts rows so that no part binds more than maxParams values.
func SplitRows(rows [][]any, columns, maxParams int) [][][]any {
	if columns < 1 {
		columns = 1
	}
	per := maxParams / columns
	if per < 1 {
		per = 1
	}
	var out [][][]any
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
