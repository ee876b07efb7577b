package export

import (
	"regexp"
	"strings"
)

// DataError is an error Metabase returned inside a 2xx export body.
type DataError struct {
	Message   string
	Retryable bool
}

func (e *DataError) Error() string {
	if e.Retryable {
		return "metabase retryable data error: " + e.Message
	}
	return "metabase data error: " + e.Message
}

// ErrorPolicy decides which data errors are retried.
type ErrorPolicy struct {
	patterns []*regexp.Regexp
}

// NewErrorPolicy compiles case-insensitive patterns. A pattern that is not a
// valid regular expression is matched as plain text.
func NewErrorPolicy(patterns []string) ErrorPolicy {
	var p ErrorPolicy
	for _, raw := range patterns {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(raw))
		}
		p.patterns = append(p.patterns, re)
	}
	return p
}

// Retryable reports whether msg should be retried. With no patterns every
// message is retryable.
func (p ErrorPolicy) Retryable(msg string) bool {
	if len(p.patterns) == 0 {
		return true
	}
	msg = strings.TrimSpace(msg)
	for _, re := range p.patterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

func (p ErrorPolicy) classify(msg string) *DataError {
	return &DataError{Message: msg, Retryable: p.Retryable(msg)}
}
