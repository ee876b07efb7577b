// Package combine merges chunk outcomes into one payload.
package combine

import (
	"bytes"
	"fmt"
	"strings"

	"mbquery/internal/config"
	"mbquery/internal/dispatch"
	"mbquery/internal/export"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// PartialFailureMessage is logged once when some chunks failed.
const PartialFailureMessage = "some requests failed; returning data from the successful ones"

// Result is a merged payload plus what went into it.
type Result struct {
	Payload   export.Payload
	Succeeded int
	Failed    int

	// Errors holds the failed chunks' errors in chunk order.
	Errors []error
}

// Combine merges successful outcomes in index order.
//
// json record lists are concatenated. csv payloads are split into lines and
// only the first header is kept. Failures are tolerated: they are counted,
// logged once through log, and the successful data is still returned. When
// every outcome failed the payload is empty.
func Combine(outcomes []dispatch.Outcome[export.Payload], f config.Format, log logrus.FieldLogger) (Result, error) {
	if !f.Combinable() {
		return Result{}, fmt.Errorf("combine: %w: %s", config.ErrUnsupportedFormat, f)
	}

	res := Result{Payload: export.Payload{Format: f}}
	var ok []export.Payload
	for _, o := range outcomes {
		if o.Err != nil {
			res.Failed++
			res.Errors = append(res.Errors, o.Err)
			continue
		}
		res.Succeeded++
		ok = append(ok, o.Value)
	}

	if res.Failed > 0 && log != nil {
		log.WithFields(logrus.Fields{
			"failed":    res.Failed,
			"succeeded": res.Succeeded,
		}).WithError(res.Errors[0]).Warn(PartialFailureMessage)
	}

	switch f {
	case config.FormatJSON:
		records := []export.Record{}
		for _, p := range ok {
			records = append(records, p.Records...)
		}
		res.Payload.Records = records
	case config.FormatCSV:
		raw, err := joinCSV(ok)
		if err != nil {
			return Result{}, err
		}
		res.Payload.Raw = raw
	}
	return res, nil
}

// joinCSV keeps the header of the first payload that has any line.
func joinCSV(payloads []export.Payload) ([]byte, error) {
	var (
		lines  []string
		header bool
	)
	for i, p := range payloads {
		text, err := decodeUTF8(p.Raw)
		if err != nil {
			return nil, fmt.Errorf("combine: csv chunk %d: %w", i, err)
		}
		chunk := splitLines(text)
		if len(chunk) == 0 {
			continue
		}
		if header {
			chunk = chunk[1:]
		}
		header = true
		lines = append(lines, chunk...)
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// decodeUTF8 drops a leading byte order mark and replaces invalid sequences.
func decodeUTF8(b []byte) (string, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts
}

// CountLines is the number of csv lines, header included.
func CountLines(raw []byte) int {
	if len(raw) == 0 {
		return 0
	}
	n := bytes.Count(raw, []byte("\n"))
	if raw[len(raw)-1] != '\n' {
		n++
	}
	return n
}
