package printer

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	nethtml "golang.org/x/net/html"
	"html"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/request"
)

type bodyFormatter struct {
	cfg    *config.BodyViewConfig
	logger logger.Logger
}

type formattedBody struct {
	Text    string
	Notices []string
}

func newBodyFormatter(cfg *config.BodyViewConfig, log logger.Logger) *bodyFormatter {
	if cfg == nil {
		cfg = &config.BodyViewConfig{}
	}
	return &bodyFormatter{cfg: cfg, logger: log}
}

// Format renders body for display according to its content type. Bodies
// above MaxPreviewBytes are cut unless FullBody is set.
func (f *bodyFormatter) Format(contentType string, body string) formattedBody {
	if f == nil || body == "" {
		return formattedBody{}
	}
	res := f.format(contentType, []byte(body))
	if limit := f.cfg.MaxPreviewBytes; limit > 0 && !f.cfg.FullBody && len(res.Text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(res.Text[cut]) {
			cut--
		}
		res.Text = res.Text[:cut]
		res.Notices = append(res.Notices, fmt.Sprintf("Body truncated to %s of %s", humanize.Bytes(uint64(cut)), humanize.Bytes(uint64(len(body)))))
	}
	return res
}

func (f *bodyFormatter) format(contentType string, body []byte) formattedBody {
	if !f.cfg.Enable {
		return formattedBody{Text: string(body)}
	}
	mediaType := normalizeMediaType(contentType)
	kind := request.ContentTypeOf(mediaType)
	if res, ok := f.formatJSON(mediaType, kind, body); ok {
		return res
	}
	if res, ok := f.formatForm(kind, body); ok {
		return res
	}
	if res, ok := f.formatXML(kind, body); ok {
		return res
	}
	if res, ok := f.formatHTML(mediaType, body); ok {
		return res
	}
	return formattedBody{Text: string(body)}
}

func (f *bodyFormatter) formatJSON(mediaType string, kind request.ContentType, body []byte) (formattedBody, bool) {
	if !f.cfg.Json.Enable {
		return formattedBody{}, false
	}
	if kind != request.ContentJSON && (mediaType != "" || !looksLikeJSON(body)) {
		return formattedBody{}, false
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return formattedBody{}, false
	}
	if !f.cfg.Json.Pretty {
		return formattedBody{Text: string(body)}, true
	}
	if f.cfg.Json.MaxIndentBytes > 0 && len(trimmed) > f.cfg.Json.MaxIndentBytes {
		notice := fmt.Sprintf("JSON larger than %s, indentation skipped", humanize.Bytes(uint64(f.cfg.Json.MaxIndentBytes)))
		return formattedBody{Text: string(body), Notices: []string{notice}}, true
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		if f.logger != nil {
			f.logger.Debug("json indent failed", "error", err)
		}
		return formattedBody{}, false
	}
	return formattedBody{Text: buf.String()}, true
}

func (f *bodyFormatter) formatForm(kind request.ContentType, body []byte) (formattedBody, bool) {
	if !f.cfg.Form.Enable {
		return formattedBody{}, false
	}
	if kind != request.ContentURLFormEncoded {
		return formattedBody{}, false
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		if f.logger != nil {
			f.logger.Debug("form parse failed", "error", err)
		}
		return formattedBody{}, false
	}
	if len(values) == 0 {
		return formattedBody{Text: string(body)}, true
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][2]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, [2]string{key, strings.Join(values[key], ", ")})
	}
	var builder strings.Builder
	builder.WriteString("Form data:\n")
	writeTable(&builder, "Key", "Value", rows)
	return formattedBody{Text: builder.String()}, true
}

func (f *bodyFormatter) formatXML(kind request.ContentType, body []byte) (formattedBody, bool) {
	if !f.cfg.XML.Enable {
		return formattedBody{}, false
	}
	if kind != request.ContentXML {
		return formattedBody{}, false
	}
	processed := body
	if f.cfg.XML.StripControl {
		processed = stripControlBytes(processed)
	}
	if !f.cfg.XML.Pretty {
		return formattedBody{Text: string(processed)}, true
	}
	formatted, err := prettyXML(processed)
	if err != nil {
		if f.logger != nil {
			f.logger.Debug("xml pretty failed", "error", err)
		}
		return formattedBody{Text: string(processed)}, true
	}
	return formattedBody{Text: formatted}, true
}

func (f *bodyFormatter) formatHTML(mediaType string, body []byte) (formattedBody, bool) {
	if !f.cfg.HTML.Enable {
		return formattedBody{}, false
	}
	if mediaType != request.MIMEHTML && !looksLikeHTML(body) {
		return formattedBody{}, false
	}
	processed := body
	if f.cfg.HTML.StripControl {
		processed = stripControlBytes(processed)
	}
	if !f.cfg.HTML.Pretty {
		return formattedBody{Text: string(processed)}, true
	}
	formatted, err := prettyHTML(processed)
	if err != nil {
		if f.logger != nil {
			f.logger.Debug("html pretty failed", "error", err)
		}
		return formattedBody{Text: string(processed)}, true
	}
	return formattedBody{Text: formatted}, true
}

func normalizeMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mediaType)
}

// looksLikeJSON sniffs bodies that arrived without a content type.
func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	first := trimmed[0]
	last := trimmed[len(trimmed)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 5 {
		return false
	}
	upper := strings.ToLower(string(trimmed[:5]))
	return strings.HasPrefix(upper, "<html") || strings.HasPrefix(upper, "<!doc")
}

func stripControlBytes(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	buf := make([]byte, 0, len(b))
	for _, ch := range b {
		if ch < 0x20 && ch != '\n' && ch != '\r' && ch != '\t' {
			continue
		}
		buf = append(buf, ch)
	}
	return buf
}

func prettyXML(data []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var buf bytes.Buffer
	encoder := xml.NewEncoder(&buf)
	encoder.Indent("", "  ")
	for {
		token, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}
		if err := encoder.EncodeToken(token); err != nil {
			return "", err
		}
	}
	if err := encoder.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func prettyHTML(data []byte) (string, error) {
	node, err := nethtml.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	renderHTMLNode(&builder, node, 0)
	return builder.String(), nil
}

func renderHTMLNode(builder *strings.Builder, node *nethtml.Node, depth int) {
	switch node.Type {
	case nethtml.DocumentNode:
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderHTMLNode(builder, child, depth)
		}
	case nethtml.ElementNode:
		indent := strings.Repeat("  ", depth)
		builder.WriteString(indent)
		builder.WriteString("<" + node.Data)
		for _, attr := range node.Attr {
			builder.WriteString(fmt.Sprintf(" %s=\"%s\"", attr.Key, html.EscapeString(attr.Val)))
		}
		if isVoidElement(node.Data) {
			builder.WriteString(" />\n")
			return
		}
		builder.WriteString(">\n")
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderHTMLNode(builder, child, depth+1)
		}
		if node.FirstChild != nil {
			builder.WriteString(indent)
		}
		builder.WriteString("</" + node.Data + ">\n")
	case nethtml.TextNode:
		text := strings.TrimSpace(node.Data)
		if text == "" {
			return
		}
		indent := strings.Repeat("  ", depth)
		builder.WriteString(indent)
		builder.WriteString(text)
		builder.WriteString("\n")
	case nethtml.CommentNode:
		indent := strings.Repeat("  ", depth)
		builder.WriteString(indent)
		builder.WriteString("<!--" + strings.TrimSpace(node.Data) + "-->\n")
	}
}

func isVoidElement(tag string) bool {
	switch strings.ToLower(tag) {
	case "area", "base", "br", "col", "embed", "hr", "img", "input", "keygen", "link", "meta", "param", "source", "track", "wbr":
		return true
	default:
		return false
	}
}

// writeTable renders a two column table padded by display width.
func writeTable(builder *strings.Builder, keyHeader, valueHeader string, rows [][2]string) {
	maxKeyWidth := runewidth.StringWidth(keyHeader)
	for _, row := range rows {
		if w := runewidth.StringWidth(row[0]); w > maxKeyWidth {
			maxKeyWidth = w
		}
	}
	fmt.Fprintf(builder, "%s │ %s\n", runewidth.FillRight(keyHeader, maxKeyWidth), valueHeader)
	builder.WriteString(strings.Repeat("─", maxKeyWidth) + "─┼" + strings.Repeat("─", 40) + "\n")
	for _, row := range rows {
		fmt.Fprintf(builder, "%s │ %s\n", runewidth.FillRight(row[0], maxKeyWidth), row[1])
	}
}
