package printer

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/replay"
	"github.com/funnyzak/reqflow/pkg/request"
)

// JSONPrinter writes one JSON document per line
type JSONPrinter struct {
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON lines printer on stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the output target
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonStepEnvelope struct {
	Type       string                    `json:"type"`
	Sequence   int                       `json:"sequence"`
	Index      int                       `json:"index"`
	StartedAt  time.Time                 `json:"started_at"`
	DurationMs int64                     `json:"duration_ms"`
	Request    *request.CapturedRequest  `json:"request"`
	Response   *request.CapturedResponse `json:"response"`
	Outcome    request.Outcome           `json:"outcome"`
	Matched    bool                      `json:"matched"`
	Exported   map[string]any            `json:"exported,omitempty"`
	Unresolved []string                  `json:"unresolved,omitempty"`
}

type jsonElementEnvelope struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Method       request.Method         `json:"method"`
	URL          string                 `json:"url"`
	Template     string                 `json:"template"`
	Auth         request.AuthInfo       `json:"auth"`
	Status       int                    `json:"status"`
	Exports      map[string]flow.Export `json:"exports,omitempty"`
	Placeholders []string               `json:"placeholders,omitempty"`
}

type jsonVariablesEnvelope struct {
	Type      string         `json:"type"`
	Variables map[string]any `json:"variables"`
}

// PrintStep writes a step event
func (p *JSONPrinter) PrintStep(step *replay.Step) error {
	if step == nil {
		return nil
	}
	return p.encode(jsonStepEnvelope{
		Type:       "step",
		Sequence:   step.Sequence,
		Index:      step.Index,
		StartedAt:  step.StartedAt,
		DurationMs: step.Duration.Milliseconds(),
		Request:    step.Request,
		Response:   step.Response,
		Outcome:    step.Outcome,
		Matched:    step.Matched,
		Exported:   step.Exported,
		Unresolved: step.Unresolved,
	})
}

// PrintElement writes an element summary
func (p *JSONPrinter) PrintElement(index int, el *flow.Element) error {
	if el == nil {
		return nil
	}
	return p.encode(jsonElementEnvelope{
		Type:         "element",
		Index:        index,
		Method:       el.Request.Method,
		URL:          el.Request.URL,
		Template:     el.URLTemplate(),
		Auth:         el.Auth(),
		Status:       el.Response.Status,
		Exports:      el.Exports(),
		Placeholders: el.Placeholders(),
	})
}

// PrintVariables writes the variable table
func (p *JSONPrinter) PrintVariables(vars map[string]any) error {
	if vars == nil {
		vars = map[string]any{}
	}
	return p.encode(jsonVariablesEnvelope{Type: "variables", Variables: vars})
}

// PrintFlow writes every element followed by the external variables
func (p *JSONPrinter) PrintFlow(f *flow.UserFlow) error {
	if f == nil {
		return nil
	}
	for i, el := range f.Elements {
		if err := p.PrintElement(i, el); err != nil {
			return err
		}
	}
	return p.PrintVariables(f.Variables())
}

func (p *JSONPrinter) encode(v interface{}) error {
	if err := p.encoder.Encode(v); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode JSON output", "error", err)
		}
		return err
	}
	return nil
}
