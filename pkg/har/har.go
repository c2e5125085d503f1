// Package har decodes HTTP Archive (HAR 1.2) documents.
package har

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrNoEntries indicates the document carries no log entries.
var ErrNoEntries = errors.New("har: document has no entries")

// HAR is the root of an HTTP Archive document.
type HAR struct {
	Log Log `json:"log"`
}

// Log contains the entries of a HAR file
type Log struct {
	Version string  `json:"version,omitempty"`
	Creator *Agent  `json:"creator,omitempty"`
	Entries []Entry `json:"entries"`
}

// Agent identifies the tool that produced the archive.
type Agent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Entry represents a single HTTP request/response pair
type Entry struct {
	StartedDateTime string   `json:"startedDateTime"`
	Time            float64  `json:"time"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
}

// Request represents the HTTP request information
type Request struct {
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	HTTPVersion string    `json:"httpVersion"`
	Headers     []NVP     `json:"headers"`
	QueryString []NVP     `json:"queryString"`
	Cookies     []Cookie  `json:"cookies"`
	PostData    *PostData `json:"postData,omitempty"`
}

// Response represents the HTTP response information
type Response struct {
	Status      int      `json:"status"`
	StatusText  string   `json:"statusText"`
	HTTPVersion string   `json:"httpVersion"`
	Headers     []NVP    `json:"headers"`
	Cookies     []Cookie `json:"cookies"`
	Content     Content  `json:"content"`
}

// NVP is a name/value pair used by headers and query strings.
type NVP struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookie is a request or response cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  string `json:"expires,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

// PostData represents the request body data
type PostData struct {
	MimeType string  `json:"mimeType"`
	Text     string  `json:"text"`
	Params   []Param `json:"params,omitempty"`
}

// Param is a posted form field. Browsers record these instead of text for
// some form submissions.
type Param struct {
	Name        string `json:"name"`
	Value       string `json:"value,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Content represents the response body content
type Content struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
	Encoding string `json:"encoding,omitempty"`
}

// Parse decodes raw HAR bytes.
func Parse(data []byte) (*HAR, error) {
	var doc HAR
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse HAR data: %w", err)
	}
	if len(doc.Log.Entries) == 0 {
		return nil, ErrNoEntries
	}
	return &doc, nil
}

// Started parses the entry start time. An empty value yields the zero time.
func (e Entry) Started() (time.Time, error) {
	if e.StartedDateTime == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid startedDateTime %q: %w", e.StartedDateTime, err)
	}
	return ts, nil
}

// Duration converts the entry's total time (milliseconds) to a duration.
func (e Entry) Duration() time.Duration {
	if e.Time <= 0 {
		return 0
	}
	return time.Duration(e.Time * float64(time.Millisecond))
}

// Body returns the request body text, empty when absent. When only params
// were recorded they are encoded as a form body in their recorded order.
func (r Request) Body() string {
	if r.PostData == nil {
		return ""
	}
	if r.PostData.Text != "" || len(r.PostData.Params) == 0 {
		return r.PostData.Text
	}
	parts := make([]string, 0, len(r.PostData.Params))
	for _, p := range r.PostData.Params {
		parts = append(parts, url.QueryEscape(p.Name)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}

// BodyMimeType returns the MIME type recorded for the request body.
func (r Request) BodyMimeType() string {
	if r.PostData == nil {
		return ""
	}
	return r.PostData.MimeType
}

// Body returns the response content text, decoding base64 payloads.
func (c Content) Body() string {
	if c.Encoding != "base64" || c.Text == "" {
		return c.Text
	}
	decoded, err := base64.StdEncoding.DecodeString(c.Text)
	if err != nil {
		return c.Text
	}
	return string(decoded)
}
