package query

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput wraps every validation failure raised while building a
	// descriptor or a chunk plan.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnresolvableParameters is returned when overrides are supplied for a
	// question that declares neither parameters nor template tags.
	ErrUnresolvableParameters = errors.New("cannot build parameters payload for this question; re-save the question and try again")

	// ErrMissingDomain is returned for raw SQL without a configured domain.
	ErrMissingDomain = errors.New("a domain is required to run raw SQL")

	// ErrUncombinableFormat is returned when a plan needs several chunks but
	// the export format cannot be merged.
	ErrUncombinableFormat = errors.New("format cannot be combined across chunks")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// unavailableFilters names every rejected filter and the accepted set.
func unavailableFilters(unknown, available []string) error {
	noun := "filter is"
	if len(unknown) > 1 {
		noun = "filters are"
	}
	return invalidf("the %s %s not available for this query; available filters: %s",
		strings.Join(unknown, ", "), noun, strings.Join(available, ", "))
}
