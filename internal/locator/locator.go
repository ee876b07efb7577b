// Package locator classifies Metabase URLs into the three shapes the export
// API can serve: saved questions, ad-hoc datasets and native SQL.
package locator

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformed is returned for URLs that do not carry a decodable query.
var ErrMalformed = errors.New("malformed metabase url")

// Kind is the URL shape.
type Kind int

const (
	KindCard Kind = iota + 1
	KindDataset
	KindNative
)

func (k Kind) String() string {
	switch k {
	case KindCard:
		return "card"
	case KindDataset:
		return "dataset"
	case KindNative:
		return "native"
	default:
		return "unknown"
	}
}

// Locator is a classified URL. Which fields are set depends on Kind:
// card locators carry QuestionID and Query, the others carry Fragment.
type Locator struct {
	Raw    string
	Kind   Kind
	Origin string

	QuestionID int
	Query      url.Values

	Fragment map[string]any
}

// DatasetQuery returns the fragment's dataset_query object, or nil.
func (l Locator) DatasetQuery() map[string]any {
	dq, _ := l.Fragment["dataset_query"].(map[string]any)
	return dq
}

// DeclaredParameters returns the fragment's parameters list, or nil.
func (l Locator) DeclaredParameters() []any {
	ps, _ := l.Fragment["parameters"].([]any)
	return ps
}

var questionPath = regexp.MustCompile(`^/question/(\d+)(?:[-/].*)?$`)

// Classify inspects raw without any network access.
//
// A /question/<id> path wins over any fragment. Otherwise the fragment must be
// base64-encoded JSON holding a dataset_query; its type decides between
// KindNative and KindDataset.
func Classify(raw string) (Locator, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Locator{}, fmt.Errorf("%w: %q has no scheme or host", ErrMalformed, raw)
	}

	loc := Locator{
		Raw:    raw,
		Origin: u.Scheme + "://" + u.Host,
	}

	if m := questionPath.FindStringSubmatch(u.Path); m != nil {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return Locator{}, fmt.Errorf("%w: question id %q: %v", ErrMalformed, m[1], err)
		}
		loc.Kind = KindCard
		loc.QuestionID = id
		loc.Query = u.Query()
		return loc, nil
	}

	frag, err := decodeFragment(u.Fragment)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	dq, ok := frag["dataset_query"].(map[string]any)
	if !ok {
		return Locator{}, fmt.Errorf("%w: fragment has no dataset_query", ErrMalformed)
	}

	loc.Fragment = frag
	loc.Query = u.Query()
	if t, _ := dq["type"].(string); t == "native" {
		loc.Kind = KindNative
	} else {
		loc.Kind = KindDataset
	}
	return loc, nil
}

var fragmentEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeFragment decodes base64 JSON. Numbers are kept as json.Number so that
// ids survive a re-encode unchanged.
func decodeFragment(fragment string) (map[string]any, error) {
	s := strings.TrimSpace(fragment)
	if s == "" {
		return nil, errors.New("empty fragment")
	}
	if unescaped, err := url.PathUnescape(s); err == nil {
		s = unescaped
	}

	var raw []byte
	var lastErr error
	for _, enc := range fragmentEncodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			raw = b
			break
		}
		lastErr = err
	}
	if raw == nil {
		return nil, fmt.Errorf("fragment is not base64: %v", lastErr)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("fragment is not a JSON object: %v", err)
	}
	return out, nil
}
