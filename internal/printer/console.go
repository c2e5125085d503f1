package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/replay"
	"github.com/funnyzak/reqflow/pkg/binding"
	"github.com/funnyzak/reqflow/pkg/request"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET      *color.Color
	MethodPOST     *color.Color
	MethodPUT      *color.Color
	MethodDELETE   *color.Color
	MethodPATCH    *color.Color
	HeaderKey      *color.Color
	HeaderValue    *color.Color
	Separator      *color.Color
	Timestamp      *color.Color
	BodyContent    *color.Color
	TruncateNotice *color.Color
	Placeholder    *color.Color
	Query          *color.Color
	StatusSuccess  *color.Color
	StatusWarning  *color.Color
	StatusError    *color.Color
	StatusInfo     *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:      color.New(color.FgBlue, color.Bold),
		MethodPOST:     color.New(color.FgGreen, color.Bold),
		MethodPUT:      color.New(color.FgYellow, color.Bold),
		MethodDELETE:   color.New(color.FgRed, color.Bold),
		MethodPATCH:    color.New(color.FgMagenta, color.Bold),
		HeaderKey:      color.New(color.FgCyan),
		HeaderValue:    color.New(color.FgWhite),
		Separator:      color.New(color.FgYellow, color.Bold),
		Timestamp:      color.New(color.FgHiBlack),
		BodyContent:    color.New(color.FgWhite),
		TruncateNotice: color.New(color.FgHiYellow, color.Bold),
		Placeholder:    color.New(color.FgHiMagenta, color.Bold),
		Query:          color.New(color.FgHiMagenta),
		StatusSuccess:  color.New(color.FgGreen, color.Bold),
		StatusWarning:  color.New(color.FgYellow, color.Bold),
		StatusError:    color.New(color.FgRed, color.Bold),
		StatusInfo:     color.New(color.FgCyan, color.Bold),
	}
}

// ConsolePrinter console printer
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	formatter   *bodyFormatter
	out         io.Writer
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger, bodyCfg *config.BodyViewConfig) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		formatter:   newBodyFormatter(bodyCfg, log),
		out:         os.Stdout,
	}
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("REQFLOW_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// wrapText wraps text to fit within the specified display width, preserving words
func (p *ConsolePrinter) wrapText(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{text}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := runewidth.StringWidth(currentLine)
	for _, word := range words[1:] {
		wordWidth := runewidth.StringWidth(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, currentLine)
}

// PrintStep prints the request as sent and the live response
func (p *ConsolePrinter) PrintStep(step *replay.Step) error {
	if step == nil {
		return nil
	}
	width := p.getTerminalWidth()
	separator := strings.Repeat("-", width)

	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Step #%d  element %d  ", step.Sequence, step.Index)
	p.colorScheme.Timestamp.Fprintf(p.out, "%s  %s\n", step.StartedAt.Format(time.RFC3339), step.Duration.Round(time.Millisecond))
	p.colorScheme.Separator.Fprintln(p.out, separator)
	fmt.Fprintln(p.out)

	if req := step.Request; req != nil {
		p.printRequestLine(req)
		p.printHeaders(req.Headers, width)
		p.printCookies(req.Cookies, width)
		fmt.Fprintln(p.out)
		p.printBody(request.SniffContentType(req.Headers, req.Body), req.Body)
		fmt.Fprintln(p.out)
	}

	if resp := step.Response; resp != nil {
		p.printStatusLine(resp.Status, step.Outcome, len(resp.Body), step.Matched)
		p.printHeaders(resp.Headers, width)
		fmt.Fprintln(p.out)
		p.printBody(request.SniffContentType(resp.Headers, resp.Body), resp.Body)
		fmt.Fprintln(p.out)
	}

	if len(step.Exported) > 0 {
		p.colorScheme.HeaderKey.Fprintln(p.out, "Exported:")
		p.writeTable(step.Exported)
	}
	if len(step.Unresolved) > 0 {
		p.colorScheme.TruncateNotice.Fprintf(p.out, "Unresolved placeholders: %s\n", strings.Join(step.Unresolved, ", "))
	}
	return nil
}

// PrintElement prints an element summary: request line, template, auth and exports
func (p *ConsolePrinter) PrintElement(index int, el *flow.Element) error {
	if el == nil {
		return nil
	}
	width := p.getTerminalWidth()

	p.colorScheme.Separator.Fprintf(p.out, "[%d] ", index)
	p.printRequestLine(el.Request)
	fmt.Fprint(p.out, "    Template: ")
	p.colorScheme.Query.Fprintln(p.out, el.URLTemplate())

	auth := el.Auth()
	fmt.Fprintf(p.out, "    Auth: %s", auth.Type)
	if auth.Username != "" {
		fmt.Fprintf(p.out, " (%s)", auth.Username)
	}
	if claims := auth.Claims; claims != nil {
		if claims.Subject != "" {
			fmt.Fprintf(p.out, " sub=%s", claims.Subject)
		}
		if !claims.ExpiresAt.IsZero() {
			fmt.Fprintf(p.out, " expires %s", humanize.Time(claims.ExpiresAt))
		}
	}
	fmt.Fprintln(p.out)

	if el.Response.Status > 0 {
		fmt.Fprint(p.out, "    Recorded: ")
		p.statusColor(request.Classify(el.Response.Status)).Fprintf(p.out, "%d", el.Response.Status)
		fmt.Fprintf(p.out, "  %s\n", humanize.Bytes(uint64(len(el.Response.Body))))
	}

	if names := el.Placeholders(); len(names) > 0 {
		fmt.Fprint(p.out, "    Uses: ")
		p.colorScheme.Placeholder.Fprintln(p.out, strings.Join(names, ", "))
	}

	exports := el.Exports()
	if len(exports) > 0 {
		fmt.Fprintln(p.out, "    Exports:")
		for _, name := range request.SortedKeys(exports) {
			export := exports[name]
			line := name + " <- " + export.JSONPath
			if export.Regex != "" {
				line += " ~ " + export.Regex
			}
			for _, wrapped := range p.wrapText(line, width-6) {
				fmt.Fprintf(p.out, "      %s\n", wrapped)
			}
		}
	}
	return nil
}

// PrintVariables prints a name/value table
func (p *ConsolePrinter) PrintVariables(vars map[string]any) error {
	if len(vars) == 0 {
		p.colorScheme.Timestamp.Fprintln(p.out, "(no variables)")
		return nil
	}
	p.writeTable(vars)
	return nil
}

// PrintFlow prints every element followed by the external variables
func (p *ConsolePrinter) PrintFlow(f *flow.UserFlow) error {
	if f == nil {
		return nil
	}
	status := "relations not applied"
	if f.RelationsApplied() {
		status = "relations applied"
	}
	p.colorScheme.Separator.Fprintf(p.out, "Flow: %d elements, %s\n", f.Len(), status)
	for i, el := range f.Elements {
		if err := p.PrintElement(i, el); err != nil {
			return err
		}
	}
	fmt.Fprintln(p.out)
	p.colorScheme.Separator.Fprintln(p.out, "Variables:")
	return p.PrintVariables(f.Variables())
}

func (p *ConsolePrinter) writeTable(vars map[string]any) {
	names := request.SortedKeys(vars)
	rows := make([][2]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, [2]string{name, binding.Stringify(vars[name])})
	}
	var builder strings.Builder
	writeTable(&builder, "Name", "Value", rows)
	p.colorScheme.HeaderValue.Fprint(p.out, builder.String())
}

func (p *ConsolePrinter) printRequestLine(req *request.CapturedRequest) {
	method := strings.ToUpper(string(req.Method))
	p.getMethodColor(method).Fprintf(p.out, "%s ", method)

	base, query, hasQuery := strings.Cut(req.URL, "?")
	fmt.Fprint(p.out, base)
	if hasQuery {
		fmt.Fprint(p.out, "?")
		p.colorScheme.Query.Fprint(p.out, query)
	}
	proto := req.RequestVersion
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(p.out, " %s\n", proto)
}

func (p *ConsolePrinter) printStatusLine(status int, outcome request.Outcome, size int, matched bool) {
	fmt.Fprint(p.out, "<- ")
	p.statusColor(outcome).Fprintf(p.out, "%d %s", status, outcome)
	fmt.Fprintf(p.out, "  %s", humanize.Bytes(uint64(size)))
	if matched {
		p.colorScheme.StatusSuccess.Fprintln(p.out, "  matches recording")
	} else {
		p.colorScheme.StatusWarning.Fprintln(p.out, "  differs from recording")
	}
}

func (p *ConsolePrinter) printHeaders(headers map[string]string, width int) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		if p.shouldSkipHeader(strings.ToLower(key)) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := headers[key]
		if p.isSensitiveHeader(strings.ToLower(key)) && len(flow.Placeholders(value)) == 0 {
			value = "[REDACTED]"
		}
		p.printHeaderLine(key, value, width)
	}
}

func (p *ConsolePrinter) printCookies(cookies map[string]string, width int) {
	if len(cookies) == 0 {
		return
	}
	names := request.SortedKeys(cookies)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	p.printHeaderLine("Cookies", strings.Join(parts, "; "), width)
}

func (p *ConsolePrinter) printHeaderLine(key, value string, width int) {
	prefix := key + ": "
	available := width - runewidth.StringWidth(prefix)
	if available < 20 {
		available = 20
	}
	wrapped := p.wrapText(value, available)

	p.colorScheme.HeaderKey.Fprint(p.out, prefix)
	p.colorScheme.HeaderValue.Fprintln(p.out, wrapped[0])
	indent := strings.Repeat(" ", runewidth.StringWidth(prefix))
	for _, line := range wrapped[1:] {
		fmt.Fprint(p.out, indent)
		p.colorScheme.HeaderValue.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) printBody(contentType, body string) {
	if body == "" {
		p.colorScheme.BodyContent.Fprintln(p.out, "[Empty Body]")
		return
	}
	formatted := p.formatter.Format(contentType, body)
	for _, line := range strings.Split(formatted.Text, "\n") {
		p.colorScheme.BodyContent.Fprintln(p.out, strings.TrimRight(line, "\r"))
	}
	for _, notice := range formatted.Notices {
		p.colorScheme.TruncateNotice.Fprintf(p.out, "[%s]\n", notice)
	}
}

func (p *ConsolePrinter) statusColor(outcome request.Outcome) *color.Color {
	switch outcome {
	case request.OutcomeSuccess:
		return p.colorScheme.StatusSuccess
	case request.OutcomeWarning:
		return p.colorScheme.StatusWarning
	case request.OutcomeError:
		return p.colorScheme.StatusError
	default:
		return p.colorScheme.StatusInfo
	}
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch strings.ToUpper(method) {
	case "GET":
		return p.colorScheme.MethodGET
	case "POST":
		return p.colorScheme.MethodPOST
	case "PUT":
		return p.colorScheme.MethodPUT
	case "DELETE":
		return p.colorScheme.MethodDELETE
	case "PATCH":
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

// isSensitiveHeader checks if it's sensitive header information
func (p *ConsolePrinter) isSensitiveHeader(key string) bool {
	sensitiveHeaders := map[string]bool{
		"authorization":   true,
		"cookie":          true,
		"set-cookie":      true,
		"x-api-key":       true,
		"x-auth-token":    true,
		"x-csrf-token":    true,
		"x-session-token": true,
	}
	return sensitiveHeaders[key]
}

// shouldSkipHeader checks if header should be skipped from display
func (p *ConsolePrinter) shouldSkipHeader(key string) bool {
	skipHeaders := map[string]bool{
		"connection":        true,
		"keep-alive":        true,
		"proxy-connection":  true,
		"te":                true,
		"trailer":           true,
		"transfer-encoding": true,
		"upgrade":           true,
	}
	return skipHeaders[key]
}
