// Package dump renders a flow into the export formats offered by the CLI and
// the control API.
package dump

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/pkg/binding"
	"github.com/funnyzak/reqflow/pkg/request"
)

// ErrUnsupportedFormat is returned for formats outside Formats.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Formats lists every supported export format.
var Formats = []string{"csv", "json", "txt", "yaml"}

// Describe returns the content type and file extension of format.
func Describe(format string) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return "application/json", "json", nil
	case "yaml", "yml":
		return "application/yaml", "yaml", nil
	case "txt", "text":
		return "text/plain; charset=utf-8", "txt", nil
	case "csv":
		return "text/csv", "csv", nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// Export serializes f into the desired format.
func Export(f *flow.UserFlow, format string) ([]byte, string, string, error) {
	buf := &bytes.Buffer{}
	contentType, ext, err := Write(buf, f, format)
	if err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), contentType, ext, nil
}

// Write streams f into w and returns the content type and extension used.
func Write(w io.Writer, f *flow.UserFlow, format string) (string, string, error) {
	contentType, ext, err := Describe(format)
	if err != nil {
		return "", "", err
	}
	if f == nil {
		return "", "", errors.New("flow is nil")
	}
	switch ext {
	case "json":
		err = f.Save(w)
	case "yaml":
		err = writeYAML(w, f)
	case "txt":
		err = writeText(w, f)
	case "csv":
		err = writeCSV(w, f)
	}
	if err != nil {
		return "", "", err
	}
	return contentType, ext, nil
}

// AllowedFormats normalizes configured export formats, dropping unknown ones.
func AllowedFormats(formats []string) []string {
	set := make(map[string]struct{})
	for _, f := range formats {
		if _, ext, err := Describe(f); err == nil {
			set[ext] = struct{}{}
		}
	}
	result := make([]string, 0, len(set))
	for f := range set {
		result = append(result, f)
	}
	sort.Strings(result)
	return result
}

func writeYAML(w io.Writer, f *flow.UserFlow) error {
	raw, err := json.Marshal(f.Document())
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	tree, err := binding.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode flow: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(plainNumbers(tree)); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// plainNumbers swaps json.Number leaves for int64 or float64 so YAML emits
// them unquoted.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = plainNumbers(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = plainNumbers(child)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func writeText(w io.Writer, f *flow.UserFlow) error {
	var b strings.Builder
	for i, el := range f.Elements {
		req := el.Request
		fmt.Fprintf(&b, "### Element %d\n", i)
		fmt.Fprintf(&b, "%s %s %s\n", req.Method, req.URL, protoOf(req))
		for _, key := range request.SortedKeys(req.Headers) {
			fmt.Fprintf(&b, "%s: %s\n", key, req.Headers[key])
		}
		if len(req.Cookies) > 0 {
			fmt.Fprintf(&b, "Cookie: %s\n", joinPairs(req.Cookies, "; "))
		}
		b.WriteString("\n")
		writeTextBody(&b, req.Headers, req.Body)

		resp := el.Response
		fmt.Fprintf(&b, "--> %d %s\n", resp.Status, request.Classify(resp.Status))
		for _, key := range request.SortedKeys(resp.Headers) {
			fmt.Fprintf(&b, "%s: %s\n", key, resp.Headers[key])
		}
		b.WriteString("\n")
		writeTextBody(&b, resp.Headers, resp.Body)

		exports := el.Exports()
		for _, name := range request.SortedKeys(exports) {
			export := exports[name]
			fmt.Fprintf(&b, "export %s = %s", name, export.JSONPath)
			if export.Regex != "" {
				fmt.Fprintf(&b, " ~ %s", export.Regex)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	vars := f.Variables()
	if len(vars) > 0 {
		b.WriteString("### Variables\n")
		for _, name := range request.SortedKeys(vars) {
			fmt.Fprintf(&b, "%s = %s\n", name, binding.Stringify(vars[name]))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeTextBody(b *strings.Builder, headers map[string]string, body string) {
	if body == "" {
		return
	}
	if request.IsBinary(request.SniffContentType(headers, body), body) {
		fmt.Fprintf(b, "[binary payload omitted: %d bytes]\n\n", len(body))
		return
	}
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeCSV(w io.Writer, f *flow.UserFlow) error {
	writer := csv.NewWriter(w)
	headers := []string{
		"index", "method", "url", "template", "auth", "status",
		"placeholders", "exports", "request_body", "response_body",
	}
	if err := writer.Write(headers); err != nil {
		return err
	}
	for i, el := range f.Elements {
		exportsJSON, err := json.Marshal(el.Exports())
		if err != nil {
			return err
		}
		line := []string{
			strconv.Itoa(i),
			string(el.Request.Method),
			el.Request.URL,
			el.URLTemplate(),
			string(el.Auth().Type),
			strconv.Itoa(el.Response.Status),
			strings.Join(el.Placeholders(), " "),
			string(exportsJSON),
			el.Request.Body,
			el.Response.Body,
		}
		if err := writer.Write(line); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func protoOf(req *request.CapturedRequest) string {
	if req.RequestVersion != "" {
		return req.RequestVersion
	}
	return "HTTP/1.1"
}

func joinPairs(m map[string]string, sep string) string {
	keys := request.SortedKeys(m)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, sep)
}
