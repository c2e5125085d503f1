package request

import (
	"encoding/json"
	"strings"
)

// ContentType is the body shape used to build structured views.
type ContentType string

const (
	ContentJSON           ContentType = "JSON"
	ContentXML            ContentType = "XML"
	ContentURLFormEncoded ContentType = "URL_FORM_ENCODED"
	ContentText           ContentType = "TEXT"
)

// Well-known MIME strings produced by SniffContentType.
const (
	MIMEJSON = "application/json"
	MIMEXML  = "application/xml"
	MIMEHTML = "text/html"
	MIMEText = "text/plain"
	MIMEForm = "application/x-www-form-urlencoded"
)

// SniffContentType returns the raw MIME string of a body. A content-type
// header wins; otherwise the body itself is inspected. Empty bodies without a
// header yield "".
func SniffContentType(headers map[string]string, body string) string {
	if _, ct, ok := lookupFold(headers, "content-type"); ok {
		if idx := strings.IndexByte(ct, ';'); idx >= 0 {
			ct = ct[:idx]
		}
		return strings.ToLower(strings.TrimSpace(ct))
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ""
	}
	if json.Valid([]byte(trimmed)) {
		return MIMEJSON
	}
	if strings.HasPrefix(trimmed, "<") {
		if strings.Contains(strings.ToLower(trimmed), "<html") {
			return MIMEHTML
		}
		return MIMEXML
	}
	return MIMEText
}

// ContentTypeOf maps a MIME string to a ContentType. Unknown types are text.
func ContentTypeOf(mime string) ContentType {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case mime == MIMEJSON, strings.HasSuffix(mime, "+json"):
		return ContentJSON
	case mime == MIMEXML, mime == "text/xml", strings.HasSuffix(mime, "+xml"):
		return ContentXML
	case mime == MIMEForm:
		return ContentURLFormEncoded
	default:
		return ContentText
	}
}

// DetectContentType sniffs and classifies in one call.
func DetectContentType(headers map[string]string, body string) ContentType {
	return ContentTypeOf(SniffContentType(headers, body))
}

// IsBinary reports whether a body should not be rendered as text.
func IsBinary(contentType string, body string) bool {
	binaryTypes := []string{
		"image/", "video/", "audio/", "font/",
		"application/octet-stream",
		"application/zip", "application/gzip",
		"application/pdf", "application/wasm",
	}
	ct := strings.ToLower(contentType)
	for _, prefix := range binaryTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}

	nullCount := 0
	for i := 0; i < len(body); i++ {
		if body[i] == 0 {
			nullCount++
		}
	}
	return len(body) > 0 && nullCount > len(body)/10
}
