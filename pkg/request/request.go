package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Method is one of the HTTP methods a flow can replay.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodOptions Method = "OPTIONS"
	MethodHead    Method = "HEAD"
)

// methodOrder is the numeric encoding used by older flow documents.
var methodOrder = []Method{MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodOptions, MethodHead}

// ErrUnknownMethod indicates a method outside the supported set.
var ErrUnknownMethod = errors.New("unknown http method")

// ParseMethod normalizes s into a supported Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range methodOrder {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// UnmarshalJSON accepts either the method name or its legacy numeric index.
func (m *Method) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseMethod(name)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	var idx int
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, string(data))
	}
	if idx < 0 || idx >= len(methodOrder) {
		return fmt.Errorf("%w: index %d", ErrUnknownMethod, idx)
	}
	*m = methodOrder[idx]
	return nil
}

// CapturedRequest is one recorded request of a flow.
type CapturedRequest struct {
	Method         Method            `json:"Method"`
	URL            string            `json:"Url"`
	QueryParams    map[string]string `json:"QueryParams"`
	Headers        map[string]string `json:"Headers"`
	Cookies        map[string]string `json:"Cookies"`
	Body           string            `json:"Body"`
	RequestVersion string            `json:"RequestVersion,omitempty"`
	StartTime      time.Time         `json:"StartTime"`
	CallDuration   time.Duration     `json:"CallDuration"`
}

// Clone returns a deep copy of the request.
func (r *CapturedRequest) Clone() *CapturedRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.QueryParams = cloneMap(r.QueryParams)
	cp.Headers = cloneMap(r.Headers)
	cp.Cookies = cloneMap(r.Cookies)
	return &cp
}

// Header looks a header up case-insensitively and returns the stored key.
func (r *CapturedRequest) Header(name string) (string, string, bool) {
	return lookupFold(r.Headers, name)
}

// ContentType sniffs the request body.
func (r *CapturedRequest) ContentType() ContentType {
	return DetectContentType(r.Headers, r.Body)
}

// BaseURL returns the URL without its query string or fragment.
func (r *CapturedRequest) BaseURL() string {
	return StripQuery(r.URL)
}

// ResolvedURL merges QueryParams into the URL. Parameters in the map win
// over the ones already present in the URL.
func (r *CapturedRequest) ResolvedURL() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", r.URL, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("url %q is not absolute", r.URL)
	}
	if len(r.QueryParams) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for _, k := range SortedKeys(r.QueryParams) {
		q.Set(k, r.QueryParams[k])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StripQuery removes the query string and fragment from raw.
func StripQuery(raw string) string {
	if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
		return raw[:idx]
	}
	return raw
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func lookupFold(m map[string]string, name string) (string, string, bool) {
	if v, ok := m[name]; ok {
		return name, v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return k, v, true
		}
	}
	return "", "", false
}
