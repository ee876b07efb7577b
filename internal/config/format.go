package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned by ParseFormat for unknown export formats.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Format is a Metabase export format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts json, csv and xlsx in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("%w %q (want json, csv or xlsx)", ErrUnsupportedFormat, s)
	}
}

// Combinable reports whether payloads of this format can be merged across
// chunks.
func (f Format) Combinable() bool {
	return f == FormatJSON || f == FormatCSV
}
