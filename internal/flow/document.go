package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/funnyzak/reqflow/pkg/binding"
	"github.com/funnyzak/reqflow/pkg/request"
)

// Document is the persisted form of a flow.
type Document struct {
	FlowElements      []ElementDocument `json:"FlowElements"`
	ExternalVariables map[string]any    `json:"ExternalVariables"`
	RelationsApplied  bool              `json:"RelationsApplied,omitempty"`
}

// ElementDocument is the persisted form of one element.
type ElementDocument struct {
	Request  *request.CapturedRequest  `json:"Request"`
	Response *request.CapturedResponse `json:"Response"`
	Exports  map[string]Export         `json:"Exports"`
}

// Document snapshots the flow in its persisted form.
func (f *UserFlow) Document() Document {
	doc := Document{
		FlowElements:      make([]ElementDocument, 0, len(f.Elements)),
		ExternalVariables: f.Variables(),
		RelationsApplied:  f.relationsApplied,
	}
	for _, el := range f.Elements {
		doc.FlowElements = append(doc.FlowElements, ElementDocument{
			Request:  el.Request.Clone(),
			Response: el.Response.Clone(),
			Exports:  el.Exports(),
		})
	}
	return doc
}

// FromDocument rebuilds a flow, validating every element.
func FromDocument(doc Document) (*UserFlow, error) {
	f := New()
	for i, ed := range doc.FlowElements {
		if ed.Request == nil {
			return nil, fmt.Errorf("flow element %d: missing request", i)
		}
		if ed.Request.Method == "" {
			return nil, fmt.Errorf("flow element %d: missing method", i)
		}
		if ed.Request.URL == "" {
			return nil, fmt.Errorf("flow element %d: missing url", i)
		}
		el := NewElement(ed.Request.Clone(), ed.Response.Clone())
		for _, name := range request.SortedKeys(ed.Exports) {
			if err := el.AddExport(name, ed.Exports[name]); err != nil {
				return nil, fmt.Errorf("flow element %d: %w", i, err)
			}
		}
		f.Elements = append(f.Elements, el)
	}
	for k, v := range doc.ExternalVariables {
		f.ExternalVariables[k] = binding.Clone(v)
	}
	f.relationsApplied = doc.RelationsApplied
	return f, nil
}

// Load decodes a persisted flow. Numbers in variables keep their exact
// textual form.
func Load(r io.Reader) (*UserFlow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read flow: %w", err)
	}
	return decodeDocument(data)
}

func decodeDocument(data []byte) (*UserFlow, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse flow document: %w", err)
	}
	return FromDocument(doc)
}

// Save encodes the flow as indented JSON.
func (f *UserFlow) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f.Document()); err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	return nil
}

// LoadFile reads a persisted flow or a HAR capture from disk.
func LoadFile(path string) (*UserFlow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if IsHAR(data) {
		return FromHAR(data)
	}
	return decodeDocument(data)
}

// SaveFile writes the flow to path.
func (f *UserFlow) SaveFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := f.Save(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// IsHAR reports whether data is a JSON object with a top-level log key.
func IsHAR(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, ok := probe["log"]
	return ok
}
