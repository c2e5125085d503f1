// Package binding turns request and response bodies into JSON-shaped trees
// and back into their wire format.
package binding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/clbanning/mxj/v2"

	"github.com/funnyzak/reqflow/pkg/request"
)

// Binding pairs a raw body with its structured value.
type Binding struct {
	kind  request.ContentType
	raw   string
	value any
	ok    bool
	dirty bool
}

// New parses raw according to kind. It never fails: on a parse error the
// binding is inert and Value returns nil.
func New(raw string, kind request.ContentType) *Binding {
	b := &Binding{kind: kind, raw: raw}
	if raw == "" {
		return b
	}
	switch kind {
	case request.ContentJSON:
		b.value, b.ok = decodeJSON(raw)
		if !b.ok {
			b.value, b.ok = raw, true
		}
	case request.ContentXML:
		m, err := mxj.NewMapXml([]byte(raw))
		if err == nil {
			b.value, b.ok = map[string]any(m), true
		}
	case request.ContentURLFormEncoded:
		values, err := url.ParseQuery(raw)
		if err == nil {
			form := make(map[string]any, len(values))
			for k, v := range values {
				if len(v) > 0 {
					form[k] = v[0]
				}
			}
			b.value, b.ok = form, true
		}
	default:
		b.value, b.ok = raw, true
	}
	return b
}

// FromValue builds a binding from an already structured value.
func FromValue(value any, kind request.ContentType) *Binding {
	return &Binding{kind: kind, value: value, ok: value != nil, dirty: true}
}

// Rebind returns a dirty binding for value that serializes in b's wire
// layout where it can: form bodies keep their pair order and repeated keys,
// XML bodies keep their declaration.
func (b *Binding) Rebind(value any) *Binding {
	return &Binding{kind: b.kind, raw: b.raw, value: value, ok: value != nil, dirty: true}
}

// Kind returns the declared content type.
func (b *Binding) Kind() request.ContentType { return b.kind }

// Raw returns the text the binding was parsed from.
func (b *Binding) Raw() string { return b.raw }

// Valid reports whether the body parsed into a structured value.
func (b *Binding) Valid() bool { return b.ok }

// Value returns a deep copy of the structured value, nil when inert.
func (b *Binding) Value() any {
	if !b.ok {
		return nil
	}
	return Clone(b.value)
}

// View is the value shown in structured element views: the parsed value, or
// the raw text when the body did not parse.
func (b *Binding) View() any {
	if !b.ok {
		if b.raw == "" {
			return nil
		}
		return b.raw
	}
	return Clone(b.value)
}

// Original serializes the value back to its wire format. Bindings created by
// New return their input unchanged.
func (b *Binding) Original() (string, error) {
	if !b.dirty {
		return b.raw, nil
	}
	if !b.ok || b.value == nil {
		return "", nil
	}
	switch b.kind {
	case request.ContentJSON:
		if s, ok := b.value.(string); ok {
			return s, nil
		}
		return compactJSON(b.value)
	case request.ContentXML:
		m, ok := b.value.(map[string]any)
		if !ok {
			return Stringify(b.value), nil
		}
		out, err := mxj.Map(m).Xml()
		if err != nil {
			return "", fmt.Errorf("encode xml body: %w", err)
		}
		return xmlDeclaration(b.raw) + string(out), nil
	case request.ContentURLFormEncoded:
		m, ok := b.value.(map[string]any)
		if !ok {
			return Stringify(b.value), nil
		}
		return encodeForm(m, b.raw), nil
	default:
		return Stringify(b.value), nil
	}
}

// encodeForm writes m as a form body. Pairs found in layout keep their
// position and, when unchanged, their original encoding. Repeated keys keep
// their recorded values. Keys not in layout follow in sorted order.
func encodeForm(m map[string]any, layout string) string {
	parts := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, pair := range strings.Split(layout, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		v, ok := m[key]
		if !ok {
			continue
		}
		if seen[key] {
			parts = append(parts, pair)
			continue
		}
		seen[key] = true
		if old, err := url.QueryUnescape(rawValue); err == nil && old == Stringify(v) {
			parts = append(parts, pair)
			continue
		}
		parts = append(parts, rawKey+"="+url.QueryEscape(Stringify(v)))
	}
	for _, k := range request.SortedKeys(m) {
		if !seen[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(Stringify(m[k])))
		}
	}
	return strings.Join(parts, "&")
}

// xmlDeclaration returns the <?xml ...?> prolog of raw, if any.
func xmlDeclaration(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "<?xml") {
		return ""
	}
	end := strings.Index(trimmed, "?>")
	if end < 0 {
		return ""
	}
	return trimmed[:end+2]
}

// Stringify renders a value the way placeholders and regex filters see it:
// strings verbatim, everything else as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	}
	s, err := compactJSON(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// Clone deep copies a JSON-shaped value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, item := range t {
			cp[k] = Clone(item)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = Clone(item)
		}
		return cp
	case map[string]string:
		cp := make(map[string]any, len(t))
		for k, item := range t {
			cp[k] = item
		}
		return cp
	default:
		return t
	}
}

// Decode parses JSON preserving numbers as json.Number.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

func decodeJSON(raw string) (any, bool) {
	v, err := Decode([]byte(raw))
	if err != nil {
		return nil, false
	}
	return v, true
}

func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
