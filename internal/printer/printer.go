package printer

import (
	"io"
	"os"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/replay"
)

// Printer renders flows and replay results
type Printer interface {
	PrintStep(*replay.Step) error
	PrintElement(index int, el *flow.Element) error
	PrintVariables(vars map[string]any) error
	PrintFlow(*flow.UserFlow) error
}

// New creates a Printer for the given output mode. A nil out writes to stdout.
func New(mode string, log logger.Logger, cfg *config.OutputConfig, out io.Writer) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if out == nil {
		out = os.Stdout
	}
	if cfg.Silence {
		out = io.Discard
	}
	switch mode {
	case "json":
		p := NewJSONPrinter(log)
		p.SetOutput(out)
		return p
	default:
		p := NewConsolePrinter(log, &cfg.BodyView)
		p.out = out
		return p
	}
}
