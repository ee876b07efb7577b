// Package output writes export payloads to files or a terminal.
package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"mbquery/internal/config"
	"mbquery/internal/export"
)

// ErrNotTabular is returned when a table is requested for a binary payload.
var ErrNotTabular = errors.New("payload cannot be rendered as a table")

// Write writes p to w in its own format: indented JSON records, or the raw
// csv/xlsx bytes. A csv payload always ends with a newline.
func Write(w io.Writer, p export.Payload) error {
	switch p.Format {
	case config.FormatJSON:
		records := p.Records
		if records == nil {
			records = []export.Record{}
		}
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case config.FormatCSV:
		if _, err := w.Write(p.Raw); err != nil {
			return err
		}
		if len(p.Raw) > 0 && p.Raw[len(p.Raw)-1] != '\n' {
			_, err := io.WriteString(w, "\n")
			return err
		}
		return nil
	case config.FormatXLSX:
		_, err := w.Write(p.Raw)
		return err
	default:
		return fmt.Errorf("%w: %q", config.ErrUnsupportedFormat, p.Format)
	}
}

// WriteTable renders json or csv payloads as a text table.
func WriteTable(w io.Writer, p export.Payload) error {
	header, rows, err := tabulate(p)
	if err != nil {
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)

	hr := make(table.Row, len(header))
	for i, h := range header {
		hr[i] = h
	}
	tw.AppendHeader(hr)
	for _, r := range rows {
		tw.AppendRow(r)
	}
	tw.Render()
	return nil
}

func tabulate(p export.Payload) ([]string, []table.Row, error) {
	switch p.Format {
	case config.FormatJSON:
		columns := columnUnion(p.Records)
		rows := make([]table.Row, 0, len(p.Records))
		for _, rec := range p.Records {
			row := make(table.Row, len(columns))
			for i, c := range columns {
				v, _ := rec.Get(c)
				row[i] = formatValue(v)
			}
			rows = append(rows, row)
		}
		return columns, rows, nil
	case config.FormatCSV:
		cr := csv.NewReader(bytes.NewReader(p.Raw))
		cr.FieldsPerRecord = -1
		records, err := cr.ReadAll()
		if err != nil {
			return nil, nil, fmt.Errorf("read csv payload: %w", err)
		}
		if len(records) == 0 {
			return nil, nil, nil
		}
		rows := make([]table.Row, 0, len(records)-1)
		for _, rec := range records[1:] {
			row := make(table.Row, len(rec))
			for i, v := range rec {
				row[i] = v
			}
			rows = append(rows, row)
		}
		return records[0], rows, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrNotTabular, p.Format)
	}
}

// columnUnion keeps first-seen key order across records.
func columnUnion(records []export.Record) []string {
	seen := map[string]bool{}
	var cols []string
	for _, r := range records {
		for _, k := range r.Keys() {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// formatValue converts a cell to display text.
func formatValue(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return fmt.Sprintf("%t", val)
	case float32, float64:
		return fmt.Sprintf("%g", val)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// WriteFile writes p to path, or to stdout when path is "" or "-".
func WriteFile(path string, p export.Payload, asTable bool) (err error) {
	var w io.Writer = os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	if asTable {
		return WriteTable(w, p)
	}
	return Write(w, p)
}
