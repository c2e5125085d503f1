package flow

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/funnyzak/reqflow/pkg/binding"
	"github.com/funnyzak/reqflow/pkg/har"
	"github.com/funnyzak/reqflow/pkg/request"
)

var (
	// ErrRelationsApplied is returned when relation discovery runs twice.
	ErrRelationsApplied = errors.New("relations already applied to this flow")
	// ErrIndexOutOfRange is returned for element positions outside the flow.
	ErrIndexOutOfRange = errors.New("element index out of range")
	// ErrUnknownVariable is returned when a variable does not exist.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrVariableExists is returned when a rename target is taken.
	ErrVariableExists = errors.New("variable already exists")
	// ErrInvalidVariable is returned for names that cannot be used as
	// placeholders.
	ErrInvalidVariable = errors.New("invalid variable name")
)

// Relation rewrites a flow so that values produced by one step feed the
// steps that consume them.
type Relation interface {
	Name() string
	InsertRelation(f *UserFlow)
}

// UserFlow is an ordered list of elements plus the variables that seed a
// replay.
type UserFlow struct {
	Elements          []*Element
	ExternalVariables map[string]any

	relationsApplied bool
}

// New creates a flow from elements.
func New(elements ...*Element) *UserFlow {
	return &UserFlow{Elements: elements, ExternalVariables: map[string]any{}}
}

// FromHAR parses HAR bytes into a flow, one element per entry.
func FromHAR(data []byte) (*UserFlow, error) {
	doc, err := har.Parse(data)
	if err != nil {
		return nil, err
	}
	return FromHARDocument(doc)
}

// FromHARDocument converts a decoded HAR document. A malformed entry fails
// the whole conversion.
func FromHARDocument(doc *har.HAR) (*UserFlow, error) {
	if doc == nil || len(doc.Log.Entries) == 0 {
		return nil, har.ErrNoEntries
	}
	elements := make([]*Element, 0, len(doc.Log.Entries))
	for i, entry := range doc.Log.Entries {
		el, err := elementFromEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("har entry %d: %w", i, err)
		}
		elements = append(elements, el)
	}
	return New(elements...), nil
}

func elementFromEntry(entry har.Entry) (*Element, error) {
	method, err := request.ParseMethod(entry.Request.Method)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(entry.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", entry.Request.URL, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("url %q is not absolute", entry.Request.URL)
	}
	started, err := entry.Started()
	if err != nil {
		return nil, err
	}

	query := map[string]string{}
	for _, p := range entry.Request.QueryString {
		if _, seen := query[p.Name]; !seen {
			query[p.Name] = p.Value
		}
	}
	if len(entry.Request.QueryString) == 0 {
		for k, v := range u.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
	}

	req := &request.CapturedRequest{
		Method:         method,
		URL:            entry.Request.URL,
		QueryParams:    query,
		Headers:        headerMap(entry.Request.Headers),
		Cookies:        cookieMap(entry.Request.Cookies),
		Body:           entry.Request.Body(),
		RequestVersion: entry.Request.HTTPVersion,
		StartTime:      started,
		CallDuration:   entry.Duration(),
	}
	if mime := entry.Request.BodyMimeType(); req.Body != "" && mime != "" {
		if _, _, ok := req.Header("Content-Type"); !ok {
			req.Headers["Content-Type"] = mime
		}
	}
	resp := &request.CapturedResponse{
		Status:  entry.Response.Status,
		Headers: headerMap(entry.Response.Headers),
		Cookies: cookieMap(entry.Response.Cookies),
		Body:    entry.Response.Content.Body(),
	}
	return NewElement(req, resp), nil
}

// headerMap collapses name/value pairs; later duplicates win.
func headerMap(pairs []har.NVP) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.Name] = p.Value
	}
	return out
}

// cookieMap collapses cookies; the first occurrence of a name wins.
func cookieMap(cookies []har.Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if _, seen := out[c.Name]; !seen {
			out[c.Name] = c.Value
		}
	}
	return out
}

// FindRelations applies every relation in order. It may run only once per
// flow.
func (f *UserFlow) FindRelations(relations []Relation) error {
	if f.relationsApplied {
		return ErrRelationsApplied
	}
	for _, r := range relations {
		r.InsertRelation(f)
	}
	f.relationsApplied = true
	return nil
}

// RelationsApplied reports whether FindRelations already ran.
func (f *UserFlow) RelationsApplied() bool {
	return f.relationsApplied
}

// Len returns the number of elements.
func (f *UserFlow) Len() int {
	return len(f.Elements)
}

// Element returns the element at index.
func (f *UserFlow) Element(index int) (*Element, error) {
	if index < 0 || index >= len(f.Elements) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return f.Elements[index], nil
}

// Clone deep copies the flow.
func (f *UserFlow) Clone() *UserFlow {
	cp := &UserFlow{
		Elements:          make([]*Element, len(f.Elements)),
		ExternalVariables: make(map[string]any, len(f.ExternalVariables)),
		relationsApplied:  f.relationsApplied,
	}
	for i, el := range f.Elements {
		cp.Elements[i] = el.Clone()
	}
	for k, v := range f.ExternalVariables {
		cp.ExternalVariables[k] = binding.Clone(v)
	}
	return cp
}

// Move relocates the element at from to position to.
func (f *UserFlow) Move(from, to int) error {
	n := len(f.Elements)
	if from < 0 || from >= n {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, from)
	}
	if to < 0 || to >= n {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, to)
	}
	if from == to {
		return nil
	}
	el := f.Elements[from]
	rest := append(f.Elements[:from:from], f.Elements[from+1:]...)
	out := make([]*Element, 0, n)
	out = append(out, rest[:to]...)
	out = append(out, el)
	out = append(out, rest[to:]...)
	f.Elements = out
	return nil
}

// SetVariable stores an external variable, replacing any previous value.
func (f *UserFlow) SetVariable(name string, value any) error {
	name = strings.TrimSpace(name)
	if !variableName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidVariable, name)
	}
	f.ExternalVariables[name] = value
	return nil
}

// RenameVariable moves a variable to a new name.
func (f *UserFlow) RenameVariable(from, to string) error {
	value, ok := f.ExternalVariables[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariable, from)
	}
	if from == to {
		return nil
	}
	if _, taken := f.ExternalVariables[to]; taken {
		return fmt.Errorf("%w: %s", ErrVariableExists, to)
	}
	if err := f.SetVariable(to, value); err != nil {
		return err
	}
	delete(f.ExternalVariables, from)
	return nil
}

// DeleteVariable removes a variable.
func (f *UserFlow) DeleteVariable(name string) error {
	if _, ok := f.ExternalVariables[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	delete(f.ExternalVariables, name)
	return nil
}

// Variables returns a deep copy of the external variables.
func (f *UserFlow) Variables() map[string]any {
	out := make(map[string]any, len(f.ExternalVariables))
	for k, v := range f.ExternalVariables {
		out[k] = binding.Clone(v)
	}
	return out
}
