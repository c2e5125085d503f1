package flow

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/funnyzak/reqflow/pkg/binding"
	"github.com/funnyzak/reqflow/pkg/request"
)

var (
	// ErrDuplicateExport is returned when an export name is already taken.
	ErrDuplicateExport = errors.New("duplicate export name")
	// ErrMissingKey is returned when a structured request lacks a field.
	ErrMissingKey = errors.New("structured request is missing a key")
	// ErrUnknownExport is returned when removing an export that does not exist.
	ErrUnknownExport = errors.New("unknown export")
	// ErrNotEditable is returned when an edit targets something other than the request.
	ErrNotEditable = errors.New("only request fields can be edited")
)

// Structured view keys.
const (
	KeyRequest         = "Request"
	KeyResponse        = "Response"
	KeyURL             = "Url"
	KeyHeaders         = "Headers"
	KeyQueryParameters = "QueryParameters"
	KeyCookies         = "Cookies"
	KeyBody            = "Body"
	KeyStatus          = "Status"
)

// Element is one replayable request/response pair with its exports.
type Element struct {
	Request  *request.CapturedRequest
	Response *request.CapturedResponse

	exports map[string]Export

	requestBody  *binding.Binding
	responseBody *binding.Binding
}

// NewElement pairs a request with its recorded response.
func NewElement(req *request.CapturedRequest, resp *request.CapturedResponse) *Element {
	if req == nil {
		req = &request.CapturedRequest{}
	}
	if resp == nil {
		resp = &request.CapturedResponse{}
	}
	normalizeRequest(req)
	normalizeResponse(resp)
	return &Element{Request: req, Response: resp, exports: map[string]Export{}}
}

// Value renders the structured view of the element. Every call builds a
// fresh tree that callers may mutate freely.
func (e *Element) Value() map[string]any {
	return map[string]any{
		KeyRequest:  e.requestValue(),
		KeyResponse: e.responseValue(),
	}
}

func (e *Element) requestValue() map[string]any {
	return map[string]any{
		KeyURL:             e.Request.BaseURL(),
		KeyHeaders:         binding.Clone(e.Request.Headers),
		KeyQueryParameters: binding.Clone(e.Request.QueryParams),
		KeyCookies:         binding.Clone(e.Request.Cookies),
		KeyBody:            e.requestBinding().View(),
	}
}

func (e *Element) responseValue() map[string]any {
	return map[string]any{
		KeyStatus:  e.Response.Status,
		KeyHeaders: binding.Clone(e.Response.Headers),
		KeyCookies: binding.Clone(e.Response.Cookies),
		KeyBody:    e.responseBinding().View(),
	}
}

// requestBinding returns the request body binding, rebuilt whenever the
// body or its sniffed content type changed.
func (e *Element) requestBinding() *binding.Binding {
	kind := e.Request.ContentType()
	if e.requestBody == nil || e.requestBody.Raw() != e.Request.Body || e.requestBody.Kind() != kind {
		e.requestBody = binding.New(e.Request.Body, kind)
	}
	return e.requestBody
}

func (e *Element) responseBinding() *binding.Binding {
	kind := e.Response.ContentType()
	if e.responseBody == nil || e.responseBody.Raw() != e.Response.Body || e.responseBody.Kind() != kind {
		e.responseBody = binding.New(e.Response.Body, kind)
	}
	return e.responseBody
}

// UpdateRequest replaces url, headers, query parameters, cookies and body
// from a structured request. Nothing is changed when a key is missing or
// malformed.
func (e *Element) UpdateRequest(structured map[string]any) error {
	for _, key := range []string{KeyURL, KeyHeaders, KeyQueryParameters, KeyCookies, KeyBody} {
		if _, ok := structured[key]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingKey, key)
		}
	}
	headers, err := stringMap(KeyHeaders, structured[KeyHeaders])
	if err != nil {
		return err
	}
	query, err := stringMap(KeyQueryParameters, structured[KeyQueryParameters])
	if err != nil {
		return err
	}
	cookies, err := stringMap(KeyCookies, structured[KeyCookies])
	if err != nil {
		return err
	}

	current := e.requestBinding()
	var body string
	switch v := structured[KeyBody].(type) {
	case nil:
	case string:
		body = v
	default:
		kind := request.DetectContentType(headers, e.Request.Body)
		switch {
		case kind == current.Kind() && reflect.DeepEqual(v, current.View()):
			body = e.Request.Body
		case kind == current.Kind():
			body, err = current.Rebind(v).Original()
		default:
			body, err = binding.FromValue(v, kind).Original()
		}
		if err != nil {
			return fmt.Errorf("serialize request body: %w", err)
		}
	}

	e.Request.URL = mergeURL(binding.Stringify(structured[KeyURL]), e.Request.URL)
	e.Request.Headers = headers
	e.Request.QueryParams = query
	e.Request.Cookies = cookies
	e.Request.Body = body
	return nil
}

// UpdateResponse replaces the response wholesale.
func (e *Element) UpdateResponse(resp *request.CapturedResponse) {
	if resp == nil {
		resp = &request.CapturedResponse{}
	}
	normalizeResponse(resp)
	e.Response = resp
	e.responseBody = nil
}

// FillRequestPlaceholders substitutes {{name}} placeholders in every string
// of the structured request. A string that is exactly one placeholder takes
// the variable's value with its JSON type; embedded placeholders are
// replaced textually. Unknown names stay as they are and are returned.
func (e *Element) FillRequestPlaceholders(vars map[string]any) ([]string, error) {
	f := &filler{vars: vars, unresolved: map[string]struct{}{}}
	req := f.fill(e.requestValue()).(map[string]any)
	if f.changed {
		if err := e.UpdateRequest(req); err != nil {
			return nil, err
		}
	}
	return sortedSet(f.unresolved), nil
}

// AddExport registers an extraction rule under a unique name.
func (e *Element) AddExport(name string, export Export) error {
	if _, exists := e.exports[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateExport, name)
	}
	if err := export.Validate(); err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}
	e.exports[name] = export
	return nil
}

// RemoveExport deletes an export and reports whether it existed.
func (e *Element) RemoveExport(name string) bool {
	_, ok := e.exports[name]
	delete(e.exports, name)
	return ok
}

// Exports returns a copy of the registered exports.
func (e *Element) Exports() map[string]Export {
	out := make(map[string]Export, len(e.exports))
	for k, v := range e.exports {
		out[k] = v
	}
	return out
}

// GetExported evaluates every export against the current structured value.
func (e *Element) GetExported() map[string]any {
	out := make(map[string]any, len(e.exports))
	if len(e.exports) == 0 {
		return out
	}
	value := e.Value()
	for name, export := range e.exports {
		out[name] = export.Value(value)
	}
	return out
}

// Edit replaces the request node addressed by a concrete path such as
// $.Request.Headers.Authorization and applies the result.
func (e *Element) Edit(path string, value any) error {
	steps, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(steps) < 2 || steps[0].isIdx || steps[0].key != KeyRequest {
		return fmt.Errorf("%w: %s", ErrNotEditable, path)
	}
	root := map[string]any{KeyRequest: e.requestValue()}
	updated, err := setPath(root, steps, value)
	if err != nil {
		return fmt.Errorf("edit %s: %w", path, err)
	}
	req, ok := updated.(map[string]any)[KeyRequest].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotEditable, path)
	}
	return e.UpdateRequest(req)
}

// Placeholders lists placeholder names referenced anywhere in the request.
func (e *Element) Placeholders() []string {
	seen := map[string]struct{}{}
	collect := func(s string) {
		for _, name := range Placeholders(s) {
			seen[name] = struct{}{}
		}
	}
	collect(e.Request.URL)
	collect(e.Request.Body)
	for _, m := range []map[string]string{e.Request.Headers, e.Request.QueryParams, e.Request.Cookies} {
		for _, v := range m {
			collect(v)
		}
	}
	return sortedSet(seen)
}

// URLTemplate returns the templated request path.
func (e *Element) URLTemplate() string {
	return request.URLTemplate(e.Request.URL)
}

// Auth describes the request's Authorization header.
func (e *Element) Auth() request.AuthInfo {
	return e.Request.Auth()
}

// Clone deep copies the element.
func (e *Element) Clone() *Element {
	cp := NewElement(e.Request.Clone(), e.Response.Clone())
	for k, v := range e.exports {
		cp.exports[k] = v
	}
	return cp
}

// String renders a one-line description.
func (e *Element) String() string {
	return fmt.Sprintf("%s %s -> %d", e.Request.Method, e.Request.URL, e.Response.Status)
}

// mergeURL keeps the query string of the previous URL when the structured
// view, which carries the URL without its query, is applied.
func mergeURL(next, prev string) string {
	if strings.ContainsAny(next, "?#") {
		return next
	}
	if request.StripQuery(prev) == next {
		return prev
	}
	if idx := strings.IndexAny(prev, "?#"); idx >= 0 {
		return next + prev[idx:]
	}
	return next
}

func stringMap(key string, v any) (map[string]string, error) {
	out := map[string]string{}
	switch m := v.(type) {
	case nil:
	case map[string]any:
		for k, item := range m {
			out[k] = binding.Stringify(item)
		}
	case map[string]string:
		for k, item := range m {
			out[k] = item
		}
	default:
		return nil, fmt.Errorf("structured request %s must be an object, got %T", key, v)
	}
	return out, nil
}

func normalizeRequest(r *request.CapturedRequest) {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	if r.QueryParams == nil {
		r.QueryParams = map[string]string{}
	}
	if r.Cookies == nil {
		r.Cookies = map[string]string{}
	}
}

func normalizeResponse(r *request.CapturedResponse) {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	if r.Cookies == nil {
		r.Cookies = map[string]string{}
	}
}
